package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseRateLimitHeaders extracts backoff hints from the standard
// Retry-After header and the common X-RateLimit-* trio. Retry-After may
// be a delay in seconds or an HTTP date; both forms are handled.
func ParseRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			if delay := time.Until(at); delay > 0 {
				info.RetryAfter = delay
			}
		}
	}

	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		var resetTime int64
		fmt.Sscanf(resetStr, "%d", &resetTime)
		info.ResetTime = resetTime
	}

	if remaining := headers.Get("X-RateLimit-Remaining"); remaining != "" {
		fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}

	return info
}
