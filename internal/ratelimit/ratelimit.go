package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces outbound messages: one token bucket for the whole bot and
// one per chat, matching the transport's published quotas.
type Limiter struct {
	global  *rate.Limiter
	perChat rate.Limit
	burst   int

	mu     sync.Mutex
	chats  map[int64]*chatLimiter
	waits  int64
	waited time.Duration
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New builds a limiter allowing globalPerSecond messages overall and
// perChatPerSecond messages to any single chat. Zero or negative values
// disable the respective limit.
func New(globalPerSecond, perChatPerSecond float64) *Limiter {
	l := &Limiter{
		global:  rate.NewLimiter(rate.Inf, 1),
		perChat: rate.Inf,
		burst:   1,
		chats:   make(map[int64]*chatLimiter),
	}
	if globalPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSecond), max(1, int(globalPerSecond)))
	}
	if perChatPerSecond > 0 {
		l.perChat = rate.Limit(perChatPerSecond)
	}
	return l
}

// Wait blocks until a message to chatID may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context, chatID int64) error {
	start := time.Now()
	if err := l.chat(chatID).Wait(ctx); err != nil {
		return err
	}
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if d := time.Since(start); d > time.Millisecond {
		l.mu.Lock()
		l.waits++
		l.waited += d
		l.mu.Unlock()
	}
	return nil
}

func (l *Limiter) chat(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.chats[chatID]
	if !ok {
		c = &chatLimiter{limiter: rate.NewLimiter(l.perChat, l.burst)}
		l.chats[chatID] = c
	}
	c.lastUsed = now

	// Idle chats are forgotten so the map does not grow with the user base.
	if len(l.chats) > 1024 {
		for id, cl := range l.chats {
			if now.Sub(cl.lastUsed) > 10*time.Minute {
				delete(l.chats, id)
			}
		}
	}
	return c.limiter
}

// GetStats returns counters for the monitoring endpoint.
func (l *Limiter) GetStats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"global_limit":    limitStat(l.global.Limit()),
		"per_chat_limit":  limitStat(l.perChat),
		"tracked_chats":   len(l.chats),
		"throttled_sends": l.waits,
		"total_wait_ms":   l.waited.Milliseconds(),
	}
}

// limitStat reports a rate in messages per second, 0 when unlimited.
// rate.Inf is not representable in JSON.
func limitStat(r rate.Limit) float64 {
	if r == rate.Inf {
		return 0
	}
	return float64(r)
}
