package hub

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fingerhq/finger/internal/common/config"
)

const maxBackoff = 30 * time.Second

// RetryPolicy bounds the blocking-send path. Zero values fall back to the
// messaging defaults.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// PolicyFromConfig builds a retry policy from the messaging config section.
func PolicyFromConfig(cfg config.MessagingConfig) RetryPolicy {
	return RetryPolicy{
		Timeout:    cfg.BlockingTimeout(),
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase(),
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 600 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryBase <= 0 {
		p.RetryBase = 750 * time.Millisecond
	}
	return p
}

// backoff returns the delay before the given retry attempt (0-based),
// doubling per attempt and capped at 30s.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

var statusCodePattern = regexp.MustCompile(`(?:status(?: code)?|http)[ :]+(\d{3})`)

// Non-retryable provider failures. Retrying these burns quota without any
// chance of success.
var permanentMarkers = []string{
	"daily_cost_limit_exceeded",
	"insufficient_quota",
	"unauthorized",
	"forbidden",
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"unexpected eof",
}

// RetryableError classifies a send failure. Connection-level failures,
// timeouts, and 5xx responses are retryable; 4xx responses are not, except
// 408, 409, 425, and 429.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code >= 500:
			return true
		case code == 408, code == 409, code == 425, code == 429:
			return true
		case code >= 400:
			return false
		}
	}

	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
