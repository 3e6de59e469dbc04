package preferences

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResolveLocation accepts an IANA zone name ("Asia/Tokyo") or a fixed
// offset written as "UTC+9", "GMT-5:30", "+09:00" or "-0330".
func ResolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	switch strings.ToUpper(tz) {
	case "", "UTC", "GMT", "Z":
		return time.UTC, nil
	}

	offset := tz
	for _, prefix := range []string{"UTC", "GMT", "utc", "gmt"} {
		if strings.HasPrefix(offset, prefix) {
			offset = offset[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(offset, "+") || strings.HasPrefix(offset, "-") {
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		return time.FixedZone(tz, secs), nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := s[1:]

	var hStr, mStr string
	switch {
	case strings.Contains(body, ":"):
		hStr, mStr, _ = strings.Cut(body, ":")
	case len(body) == 4:
		hStr, mStr = body[:2], body[2:]
	default:
		hStr, mStr = body, "0"
	}
	h, err := strconv.Atoi(hStr)
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("bad hour offset %q", hStr)
	}
	m, err := strconv.Atoi(mStr)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute offset %q", mStr)
	}
	return sign * (h*3600 + m*60), nil
}
