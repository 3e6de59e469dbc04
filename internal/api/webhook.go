package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/deusflow/clearfeed/internal/telegram"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID   string `json:"id"`
	From struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Data string `json:"data"`
}

// Webhook handles the "more" buttons attached to digests. Other updates
// are acknowledged and dropped; Telegram redelivers anything that does not
// get a 200.
func (h *Handler) Webhook(c *gin.Context) {
	if h.opts.WebhookSecret != "" &&
		subtle.ConstantTimeCompare([]byte(c.GetHeader(secretHeader)), []byte(h.opts.WebhookSecret)) != 1 {
		c.Status(http.StatusUnauthorized)
		return
	}
	var u update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if u.CallbackQuery == nil || u.CallbackQuery.From.ID == 0 {
		c.Status(http.StatusOK)
		return
	}
	h.answer(c.Request.Context(), u.CallbackQuery.ID)

	page, err := telegram.ParseMoreCallback(u.CallbackQuery.Data)
	if err != nil {
		h.logger.Debug("Ignoring callback", "update", u.UpdateID, "error", err)
		c.Status(http.StatusOK)
		return
	}
	status, _ := h.more(c.Request.Context(), u.CallbackQuery.From.ID, page)
	if status != http.StatusOK {
		h.logger.Warn("More button not served", "user", u.CallbackQuery.From.ID, "category", page.Category, "status", status)
	}
	c.Status(http.StatusOK)
}

// answer stops the button's loading indicator before the page is built.
func (h *Handler) answer(ctx context.Context, callbackID string) {
	if h.answerer == nil || callbackID == "" {
		return
	}
	if err := h.answerer.AnswerCallback(ctx, callbackID, ""); err != nil {
		h.logger.Debug("Callback not acknowledged", "callback", callbackID, "error", err)
	}
}
