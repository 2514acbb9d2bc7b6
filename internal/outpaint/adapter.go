package outpaint

import (
	"context"
	"fmt"
	"time"
)

// AdapterID identifies one of the two configured backends.
type AdapterID string

const (
	AdapterFalAI   AdapterID = "falai"
	AdapterComfyUI AdapterID = "comfyui"
)

func ParseAdapterID(s string) (AdapterID, error) {
	switch AdapterID(s) {
	case AdapterFalAI:
		return AdapterFalAI, nil
	case AdapterComfyUI:
		return AdapterComfyUI, nil
	}
	return "", fmt.Errorf("unknown adapter: %q", s)
}

// Adapter normalizes one underlying provider to a uniform operation: submit an
// image plus parameters and obtain output files on disk. Both the cloud and
// the local GPU backend satisfy this contract.
type Adapter interface {
	ID() AdapterID

	// Probe is a cheap reachability and capacity check. It must return within
	// a few seconds and fail closed: an ambiguous response means unavailable.
	Probe(ctx context.Context) BackendHealth

	// Submit performs the full remote operation: upload, enqueue, poll until
	// done, retrieve and persist outputs under the request's naming
	// convention. May take seconds (cloud) to minutes (local GPU).
	Submit(ctx context.Context, req OutpaintRequest) BackendResult
}

// BackendHealth is the per-adapter cached state read by the queue manager and
// exposed to operators. Mutations happen only through the prober.
type BackendHealth struct {
	Adapter             AdapterID `json:"adapter"`
	Available           bool      `json:"available"`
	Message             string    `json:"message"`
	CheckedAt           time.Time `json:"checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
