package outpaint

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyTransportError(t *testing.T) {
	deadline := fmt.Errorf("request failed: %w", context.DeadlineExceeded)
	if got := ClassifyTransportError("submit", deadline); got.Class != ErrorClassTimeout {
		t.Errorf("deadline exceeded classified as %s, want %s", got.Class, ErrorClassTimeout)
	}
	refused := errors.New("dial tcp 127.0.0.1:8188: connect: connection refused")
	if got := ClassifyTransportError("submit", refused); got.Class != ErrorClassUnreachable {
		t.Errorf("connect error classified as %s, want %s", got.Class, ErrorClassUnreachable)
	}
}

func TestMatchesCrashSignature(t *testing.T) {
	cases := []struct {
		reason string
		want   bool
	}{
		{"HTTPConnectionPool: Max retries exceeded", true},
		{"Connection refused by host", true},
		{"connection reset by peer", true},
		{"No connection could be made because the target machine actively refused it", true},
		{"write: broken pipe", true},
		{"expand values must be between 0 and 700", false},
		{"payment required (insufficient credits)", false},
		{"", false},
	}
	for _, c := range cases {
		if got := MatchesCrashSignature(c.reason); got != c.want {
			t.Errorf("MatchesCrashSignature(%q) = %v, want %v", c.reason, got, c.want)
		}
	}
}

func TestFallbackEligible(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unreachable", NewUnreachableError("dial failed", nil), true},
		{"timeout", NewTimeoutError("deadline elapsed", nil), true},
		{"rejected param", NewRemoteRejectedError("invalid expand values"), false},
		{"rejected crash", NewRemoteRejectedError("max retries exceeded with url"), true},
		{"configuration", NewConfigurationError("input image not found"), false},
		{"plain error", errors.New("something else"), false},
		{"wrapped backend error", fmt.Errorf("dispatch: %w", NewTimeoutError("slow", nil)), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := FallbackEligible(c.err); got != c.want {
				t.Errorf("FallbackEligible = %v, want %v", got, c.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf(nil); got != ErrorClassNone {
		t.Errorf("ClassOf(nil) = %s, want empty class", got)
	}
	if got := ClassOf(NewRemoteRejectedError("bad")); got != ErrorClassRemoteRejected {
		t.Errorf("ClassOf = %s, want %s", got, ErrorClassRemoteRejected)
	}
	if got := ClassOf(errors.New("raw")); got != ErrorClassConfiguration {
		t.Errorf("ClassOf(raw) = %s, want %s", got, ErrorClassConfiguration)
	}
}
