package outpaint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// gateAdapter blocks every submit until the test releases it, tracking the
// highest number of concurrent submits observed.
type gateAdapter struct {
	mu        sync.Mutex
	id        AdapterID
	active    int
	maxActive int
	release   chan struct{}
}

func newGateAdapter(id AdapterID) *gateAdapter {
	return &gateAdapter{id: id, release: make(chan struct{})}
}

func (a *gateAdapter) ID() AdapterID { return a.id }

func (a *gateAdapter) Probe(ctx context.Context) BackendHealth {
	return BackendHealth{Adapter: a.id, Available: true, CheckedAt: time.Now()}
}

func (a *gateAdapter) Submit(ctx context.Context, req OutpaintRequest) BackendResult {
	a.mu.Lock()
	a.active++
	if a.active > a.maxActive {
		a.maxActive = a.active
	}
	a.mu.Unlock()

	<-a.release

	a.mu.Lock()
	a.active--
	a.mu.Unlock()
	return BackendResult{Adapter: a.id, OutputPaths: []string{"out.png"}, Requested: 1, Produced: 1}
}

func (a *gateAdapter) observedMax() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxActive
}

func newTestQueue(adapters map[AdapterID]Adapter, cfg QueueConfig) *QueueManager {
	configured := make([]AdapterID, 0, len(adapters))
	for id := range adapters {
		configured = append(configured, id)
	}
	return NewQueueManager(newTestDispatcher(adapters), configured, cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustEnqueue(t *testing.T, q *QueueManager, id string, req OutpaintRequest) <-chan DispatchOutcome {
	t.Helper()
	ch, err := q.Enqueue(id, req)
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return ch
}

func TestQueueRespectsConcurrencyCap(t *testing.T) {
	adapter := newGateAdapter(AdapterFalAI)
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{
		Primary: AdapterFalAI,
		Caps:    map[AdapterID]int{AdapterFalAI: 2},
	})
	defer q.Close()

	const total = 6
	chans := make([]<-chan DispatchOutcome, 0, total)
	for i := 0; i < total; i++ {
		req := testRequest(fmt.Sprintf("/photos/img%d.png", i))
		chans = append(chans, mustEnqueue(t, q, fmt.Sprintf("item-%d", i), req))
	}

	waitFor(t, "two submits in flight", func() bool { return q.Stats().InFlight == 2 })

	for i := 0; i < total; i++ {
		adapter.release <- struct{}{}
	}
	for i, ch := range chans {
		select {
		case outcome := <-ch:
			if !outcome.Successful {
				t.Errorf("item %d failed: %v", i, outcome.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("item %d never finished", i)
		}
	}
	if adapter.observedMax() > 2 {
		t.Errorf("observed %d concurrent submits, cap is 2", adapter.observedMax())
	}
}

func TestQueueFull(t *testing.T) {
	adapter := newGateAdapter(AdapterFalAI)
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{
		Primary:  AdapterFalAI,
		Capacity: 2,
	})
	defer q.Close()

	mustEnqueue(t, q, "a", testRequest("/photos/a.png"))
	mustEnqueue(t, q, "b", testRequest("/photos/b.png"))
	if _, err := q.Enqueue("c", testRequest("/photos/c.png")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("enqueue over capacity: err = %v, want ErrQueueFull", err)
	}

	close(adapter.release)
}

func TestQueueSkipsExistingOutputs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	req := testRequest(src)
	if err := os.WriteFile(req.OutputPath(1, 1), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := newGateAdapter(AdapterFalAI)
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{
		Primary:      AdapterFalAI,
		SkipExisting: true,
	})
	defer q.Close()

	ch := mustEnqueue(t, q, "dup", req)
	select {
	case outcome := <-ch:
		if !outcome.Skipped {
			t.Error("outcome not marked skipped")
		}
		if len(outcome.OutputPaths) != 1 {
			t.Errorf("skip outcome paths = %v", outcome.OutputPaths)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("skip outcome never delivered")
	}
	if adapter.observedMax() != 0 {
		t.Error("adapter was invoked for a skipped item")
	}
}

func TestQueueAdvisoryAfterFailureStreak(t *testing.T) {
	failing := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{
		failure(NewUnreachableError("connection refused", nil)),
	}}
	alternate := &scriptedAdapter{id: AdapterComfyUI, healthy: true, results: []BackendResult{
		failure(NewUnreachableError("connection refused", nil)),
	}}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: failing, AdapterComfyUI: alternate}, QueueConfig{
		Primary:          AdapterFalAI,
		FailureThreshold: 3,
	})
	defer q.Close()

	chans := make([]<-chan DispatchOutcome, 0, 4)
	for i := 0; i < 4; i++ {
		req := testRequest(fmt.Sprintf("/photos/img%d.png", i))
		chans = append(chans, mustEnqueue(t, q, fmt.Sprintf("item-%d", i), req))
	}
	for _, ch := range chans {
		select {
		case outcome := <-ch:
			if outcome.Successful {
				t.Fatal("expected every dispatch to fail")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("outcome never delivered")
		}
	}

	select {
	case advisory := <-q.Advisories():
		if advisory.From != AdapterFalAI || advisory.To != AdapterComfyUI {
			t.Errorf("advisory = %+v", advisory)
		}
		if advisory.Failures != 3 {
			t.Errorf("advisory failures = %d, want 3", advisory.Failures)
		}
	case <-time.After(time.Second):
		t.Fatal("no advisory raised after three consecutive failures")
	}

	// the fourth failure must not raise a second advisory for the same streak
	select {
	case advisory := <-q.Advisories():
		t.Errorf("second advisory raised for the same streak: %+v", advisory)
	default:
	}

	if q.PendingAdvisory() == nil {
		t.Error("pending advisory not retained")
	}
}

func TestQueueAcceptAdvisorySwitchesPrimary(t *testing.T) {
	failing := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{
		failure(NewUnreachableError("connection refused", nil)),
	}}
	alternate := &scriptedAdapter{id: AdapterComfyUI, healthy: true, results: []BackendResult{
		failure(NewUnreachableError("connection refused", nil)),
	}}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: failing, AdapterComfyUI: alternate}, QueueConfig{
		Primary:          AdapterFalAI,
		FailureThreshold: 1,
	})
	defer q.Close()

	ch := mustEnqueue(t, q, "item", testRequest("/photos/a.png"))
	<-ch
	waitFor(t, "advisory", func() bool { return q.PendingAdvisory() != nil })

	advisory, err := q.AcceptAdvisory()
	if err != nil {
		t.Fatal(err)
	}
	if advisory.To != AdapterComfyUI {
		t.Errorf("advisory target = %s, want %s", advisory.To, AdapterComfyUI)
	}
	if q.Primary() != AdapterComfyUI {
		t.Errorf("primary = %s after accept, want %s", q.Primary(), AdapterComfyUI)
	}
	if q.PendingAdvisory() != nil {
		t.Error("advisory still pending after accept")
	}
	if _, err := q.AcceptAdvisory(); !errors.Is(err, ErrNoAdvisoryPending) {
		t.Errorf("second accept: err = %v, want ErrNoAdvisoryPending", err)
	}
}

func TestQueueSuccessResetsStreak(t *testing.T) {
	// fails twice, then succeeds; the success lands before the threshold
	adapter := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{
		failure(NewRemoteRejectedError("temporary model error")),
		failure(NewRemoteRejectedError("temporary model error")),
		success("out.png"),
	}}
	alternate := &scriptedAdapter{id: AdapterComfyUI, healthy: false}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter, AdapterComfyUI: alternate}, QueueConfig{
		Primary:          AdapterFalAI,
		FailureThreshold: 3,
	})
	defer q.Close()

	for i := 0; i < 3; i++ {
		ch := mustEnqueue(t, q, fmt.Sprintf("item-%d", i), testRequest(fmt.Sprintf("/photos/img%d.png", i)))
		<-ch
	}

	if q.Stats().ConsecutiveFailures != 0 {
		t.Errorf("streak = %d after a success, want 0", q.Stats().ConsecutiveFailures)
	}
	select {
	case advisory := <-q.Advisories():
		t.Errorf("advisory raised despite streak reset: %+v", advisory)
	default:
	}
}

func TestQueueWithdrawPending(t *testing.T) {
	adapter := newGateAdapter(AdapterFalAI)
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{
		Primary: AdapterFalAI,
		Caps:    map[AdapterID]int{AdapterFalAI: 1},
	})
	defer q.Close()

	mustEnqueue(t, q, "running", testRequest("/photos/a.png"))
	waitFor(t, "first item in flight", func() bool { return q.Stats().InFlight == 1 })

	ch := mustEnqueue(t, q, "queued", testRequest("/photos/b.png"))
	if err := q.Withdraw("queued"); err != nil {
		t.Fatal(err)
	}
	select {
	case outcome := <-ch:
		if !errors.Is(outcome.Err, ErrWithdrawn) {
			t.Errorf("withdrawn outcome err = %v, want ErrWithdrawn", outcome.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("withdraw outcome never delivered")
	}

	if err := q.Withdraw("running"); !errors.Is(err, ErrItemNotPending) {
		t.Errorf("withdraw in-flight: err = %v, want ErrItemNotPending", err)
	}
	if err := q.Withdraw("missing"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("withdraw unknown: err = %v, want ErrItemNotFound", err)
	}

	adapter.release <- struct{}{}
}

func TestQueueRetryFailed(t *testing.T) {
	adapter := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{
		failure(NewRemoteRejectedError("temporary model error")),
		success("out.png"),
	}}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{Primary: AdapterFalAI})
	defer q.Close()

	ch := mustEnqueue(t, q, "item", testRequest("/photos/a.png"))
	outcome := <-ch
	if outcome.Successful {
		t.Fatal("first dispatch should fail")
	}
	if got := q.Stats().Failed; got != 1 {
		t.Fatalf("failed count = %d, want 1", got)
	}

	if n := q.RetryFailed(); n != 1 {
		t.Fatalf("RetryFailed = %d, want 1", n)
	}
	waitFor(t, "retried item to complete", func() bool { return q.Stats().Completed == 1 })
}

func TestQueueRetryFailedRacingDelivery(t *testing.T) {
	adapter := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{
		failure(NewRemoteRejectedError("temporary model error")),
		success("out.png"),
	}}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{Primary: AdapterFalAI})
	defer q.Close()

	ch := mustEnqueue(t, q, "item", testRequest("/photos/a.png"))

	// hammer RetryFailed until it catches the item in Failed state, racing
	// the outcome delivery
	requeued := 0
	deadline := time.Now().Add(5 * time.Second)
	for requeued == 0 && time.Now().Before(deadline) {
		requeued = q.RetryFailed()
	}
	if requeued != 1 {
		t.Fatal("item never reached failed state")
	}

	// the failure must land on the channel handed out at enqueue time, not
	// on the requeued item's fresh one
	select {
	case outcome := <-ch:
		if outcome.Successful {
			t.Error("original channel received the retry outcome")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("original failure outcome never delivered")
	}
	waitFor(t, "retried item to complete", func() bool { return q.Stats().Completed == 1 })
}

func TestQueueStatsLiveDuringSkipScan(t *testing.T) {
	dir := t.TempDir()
	adapter := newGateAdapter(AdapterFalAI)
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{
		Primary:      AdapterFalAI,
		SkipExisting: true,
	})
	defer q.Close()

	stop := make(chan struct{})
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		for {
			select {
			case <-stop:
				return
			default:
				q.Stats()
				q.Items()
			}
		}
	}()

	chans := make([]<-chan DispatchOutcome, 0, 8)
	for i := 0; i < 8; i++ {
		req := testRequest(filepath.Join(dir, fmt.Sprintf("img%d.png", i)))
		if err := os.WriteFile(req.OutputPath(1, 1), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		chans = append(chans, mustEnqueue(t, q, fmt.Sprintf("item-%d", i), req))
	}
	for i, ch := range chans {
		select {
		case outcome := <-ch:
			if !outcome.Skipped {
				t.Errorf("item %d not skipped", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("item %d never delivered", i)
		}
	}
	close(stop)
	<-statsDone
}

func TestQueueSetPrimaryUnknown(t *testing.T) {
	adapter := &scriptedAdapter{id: AdapterFalAI, healthy: true, results: []BackendResult{success("out.png")}}
	q := newTestQueue(map[AdapterID]Adapter{AdapterFalAI: adapter}, QueueConfig{Primary: AdapterFalAI})
	defer q.Close()

	if err := q.SetPrimary(AdapterComfyUI); !errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("SetPrimary unknown: err = %v, want ErrAdapterNotFound", err)
	}
}
