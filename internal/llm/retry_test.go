package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("gemini error (status=429): quota exceeded"), true},
		{errors.New("RESOURCE_EXHAUSTED: out of quota"), true},
		{errors.New("kimi error (status=500): boom"), false},
	}
	for _, c := range cases {
		if got := IsRateLimited(c.err); got != c.want {
			t.Errorf("IsRateLimited(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRetryDelayParsesSuggestion(t *testing.T) {
	err := errors.New("429 too many requests, please retry in 2.5s")
	if got := RetryDelay(err); got != 2500*time.Millisecond {
		t.Fatalf("RetryDelay = %v, want 2.5s", got)
	}
}

func TestRetryDelayClampsAndDefaults(t *testing.T) {
	if got := RetryDelay(errors.New("429 retry in 600s")); got != MaxRetryDelay {
		t.Fatalf("RetryDelay = %v, want clamp at %v", got, MaxRetryDelay)
	}
	if got := RetryDelay(errors.New("429 no hint here")); got != DefaultRetryDelay {
		t.Fatalf("RetryDelay = %v, want default %v", got, DefaultRetryDelay)
	}
}

func TestCallWithRetrySucceedsAfterRateLimit(t *testing.T) {
	attempts := 0
	var events []string
	noSleep := func(ctx context.Context, d time.Duration) {}

	res, err := CallWithRetry(context.Background(), func(typ string, payload map[string]any) {
		events = append(events, typ)
	}, noSleep, func() (InvokeResult, error) {
		attempts++
		if attempts < 3 {
			return InvokeResult{}, errors.New("429 retry in 0.1s")
		}
		return InvokeResult{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("res.Text = %q", res.Text)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(events) != 2 || events[0] != "rate_limit_retry" || events[1] != "rate_limit_retry" {
		t.Fatalf("events = %v", events)
	}
}

func TestCallWithRetryExhaustsAndEmitsFailed(t *testing.T) {
	var events []string
	noSleep := func(ctx context.Context, d time.Duration) {}

	_, err := CallWithRetry(context.Background(), func(typ string, payload map[string]any) {
		events = append(events, typ)
	}, noSleep, func() (InvokeResult, error) {
		return InvokeResult{}, errors.New("429 still limited")
	})
	if err == nil || err.Error() != "429 still limited" {
		t.Fatalf("err = %v, want last rate-limit error", err)
	}
	want := []string{"rate_limit_retry", "rate_limit_retry", "rate_limit_failed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestCallWithRetryAbortsOnOtherErrors(t *testing.T) {
	attempts := 0
	_, err := CallWithRetry(context.Background(), nil, nil, func() (InvokeResult, error) {
		attempts++
		return InvokeResult{}, errors.New("gemini error (status=500): boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
