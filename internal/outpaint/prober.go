package outpaint

import (
	"context"
	"sync"
	"time"
)

// Prober owns the cached BackendHealth for every adapter. Probes run before
// first dispatch, on operator backend switches, and opportunistically before a
// submit once the cache is older than the staleness window, so a tight batch
// does not re-probe per item. A probe and a submit never overlap on the same
// adapter: on the local GPU backend the two would contend for the same
// resource. Probes yield to running submits by returning the cached state;
// submits arriving mid-probe wait for it, probes are bounded to a few seconds.
type Prober struct {
	mu        sync.Mutex
	cond      *sync.Cond
	adapters  map[AdapterID]Adapter
	states    map[AdapterID]*healthState
	staleness time.Duration
}

type healthState struct {
	health   BackendHealth
	probed   bool
	probing  bool
	inFlight int
}

func NewProber(adapters map[AdapterID]Adapter, staleness time.Duration) *Prober {
	states := make(map[AdapterID]*healthState, len(adapters))
	for id := range adapters {
		states[id] = &healthState{health: BackendHealth{Adapter: id, Message: "not probed yet"}}
	}
	p := &Prober{adapters: adapters, states: states, staleness: staleness}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Health returns the cached state without blocking.
func (p *Prober) Health(id AdapterID) (BackendHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return BackendHealth{}, ErrAdapterNotFound
	}
	return st.health, nil
}

// Check forces a probe unless the adapter currently has a submit in flight, in
// which case the cached state is returned as-is.
func (p *Prober) Check(ctx context.Context, id AdapterID) (BackendHealth, error) {
	return p.probe(ctx, id, true)
}

// Ensure probes only when the cached state is stale (or missing).
func (p *Prober) Ensure(ctx context.Context, id AdapterID) (BackendHealth, error) {
	return p.probe(ctx, id, false)
}

func (p *Prober) probe(ctx context.Context, id AdapterID, force bool) (BackendHealth, error) {
	p.mu.Lock()
	st, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return BackendHealth{}, ErrAdapterNotFound
	}
	adapter := p.adapters[id]
	for st.probing {
		p.cond.Wait()
	}
	fresh := st.probed && time.Since(st.health.CheckedAt) < p.staleness
	if st.inFlight > 0 || (!force && fresh) {
		health := st.health
		p.mu.Unlock()
		return health, nil
	}
	st.probing = true
	p.mu.Unlock()

	health := adapter.Probe(ctx)
	health.Adapter = id
	if health.CheckedAt.IsZero() {
		health.CheckedAt = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st.probing = false
	health.ConsecutiveFailures = st.health.ConsecutiveFailures
	st.health = health
	st.probed = true
	p.cond.Broadcast()
	return health, nil
}

// BeginSubmit marks an adapter busy so probes are suppressed for its duration.
// Blocks while a probe of the same adapter is running.
func (p *Prober) BeginSubmit(id AdapterID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return
	}
	for st.probing {
		p.cond.Wait()
	}
	st.inFlight++
}

func (p *Prober) EndSubmit(id AdapterID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[id]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

// RecordOutcome updates the cached health after a dispatch attempt: successes
// mark the adapter available and reset its failure counter, failures bump it.
func (p *Prober) RecordOutcome(id AdapterID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return
	}
	if err == nil {
		st.health.Available = true
		st.health.Message = "ok"
		st.health.ConsecutiveFailures = 0
	} else {
		st.health.ConsecutiveFailures++
		if FallbackEligible(err) {
			st.health.Available = false
			st.health.Message = err.Error()
		}
	}
	st.health.CheckedAt = time.Now()
	st.probed = true
}
