package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rate-limit retry configuration.
const (
	MaxRetries        = 3
	DefaultRetryDelay = 10 * time.Second
	MaxRetryDelay     = 60 * time.Second
)

// retryDelayPattern extracts the provider-suggested wait from messages such
// as "429 ... please retry in 2.5s". Providers changing this shape degrade
// to DefaultRetryDelay.
var retryDelayPattern = regexp.MustCompile(`(?i)retry\s+in\s+([\d.]+)s`)

// RetryEventFunc receives retry progress events ("rate_limit_retry",
// "rate_limit_failed") with their payloads.
type RetryEventFunc func(eventType string, payload map[string]any)

// SleepFunc allows tests to replace the backoff sleep.
type SleepFunc func(ctx context.Context, d time.Duration)

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// IsRateLimited reports whether an error message looks like a provider
// rate limit. Matching is string-based on purpose: both dialects tunnel
// the condition through free-form messages.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// RetryDelay extracts the suggested backoff from the error message,
// clamped to MaxRetryDelay, defaulting to DefaultRetryDelay.
func RetryDelay(err error) time.Duration {
	if err == nil {
		return DefaultRetryDelay
	}
	m := retryDelayPattern.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return DefaultRetryDelay
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || secs < 0 {
		return DefaultRetryDelay
	}
	d := time.Duration(secs * float64(time.Second))
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// CallWithRetry runs fn up to MaxRetries times, sleeping between attempts
// on rate-limit errors. Non-rate-limit errors abort immediately. On
// exhaustion the last error is returned after a rate_limit_failed event.
func CallWithRetry(ctx context.Context, emit RetryEventFunc, sleep SleepFunc, fn func() (InvokeResult, error)) (InvokeResult, error) {
	if sleep == nil {
		sleep = defaultSleep
	}
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRateLimited(err) {
			return InvokeResult{}, err
		}
		if attempt < MaxRetries {
			delay := RetryDelay(err)
			if emit != nil {
				emit("rate_limit_retry", map[string]any{
					"attempt":       attempt,
					"delay_seconds": delay.Seconds(),
				})
			}
			sleep(ctx, delay)
			if ctx.Err() != nil {
				return InvokeResult{}, ctx.Err()
			}
			continue
		}
		if emit != nil {
			emit("rate_limit_failed", map[string]any{"max_retries": MaxRetries})
		}
	}
	return InvokeResult{}, lastErr
}
