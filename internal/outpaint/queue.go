package outpaint

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/seefan21/outpaint-batch/internal/logger"
)

type QueueState string

const (
	StatePending   QueueState = "pending"
	StateInFlight  QueueState = "in_flight"
	StateCompleted QueueState = "completed"
	StateFailed    QueueState = "failed"
)

// QueueItem wraps a request with queue-managed lifecycle state. Owned
// exclusively by the queue manager; state transitions happen only through the
// dispatcher's reported outcome. A completed or failed item never re-enters
// pending unless the caller explicitly resubmits it.
type QueueItem struct {
	ID         string
	Request    OutpaintRequest
	State      QueueState
	Adapter    AdapterID
	Fallback   bool
	Skipped    bool
	Error      string
	Warning    string
	Outputs    []string
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	resultChan chan DispatchOutcome
}

// deliver is non-blocking; the channel is buffered for one outcome. Callers
// capture the channel while holding the queue lock: RetryFailed swaps
// resultChan for requeued items, so it must never be read unlocked.
func deliver(ch chan<- DispatchOutcome, outcome DispatchOutcome) {
	select {
	case ch <- outcome:
	default:
	}
}

// QueueItemView is the copy handed to introspection callers.
type QueueItemView struct {
	ID         string     `json:"id"`
	ImagePath  string     `json:"image_path"`
	State      QueueState `json:"state"`
	Adapter    AdapterID  `json:"adapter,omitempty"`
	Fallback   bool       `json:"used_fallback"`
	Skipped    bool       `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	Warning    string     `json:"warning,omitempty"`
	Outputs    []string   `json:"outputs,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

type QueueStats struct {
	Pending             int       `json:"pending"`
	InFlight            int       `json:"in_flight"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Total               int       `json:"total"`
	Primary             AdapterID `json:"primary"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Advisory is the operator-facing offer raised after a failure streak on the
// primary adapter: switch the remaining pending items to the alternate one.
type Advisory struct {
	From      AdapterID `json:"from"`
	To        AdapterID `json:"to"`
	Failures  int       `json:"failures"`
	Remaining int       `json:"remaining"`
	RaisedAt  time.Time `json:"raised_at"`
}

// QueueManager holds the ordered work items and enforces the concurrency cap
// of whichever adapter is currently primary. Switching the primary atomically
// swaps the cap: in-flight items finish on their original adapter, new
// admissions run under the new cap.
type QueueManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	items []*QueueItem
	byID  map[string]*QueueItem

	dispatcher *Dispatcher
	configured []AdapterID
	caps       map[AdapterID]int
	primary    AdapterID

	capacity         int
	skipExisting     bool
	failureThreshold int

	inFlight        int
	streak          int
	advisoryRaised  bool
	pendingAdvisory *Advisory
	advisoryChan    chan Advisory

	closed bool
	logger *logger.CustomLogger
}

type QueueConfig struct {
	Capacity         int
	Caps             map[AdapterID]int
	Primary          AdapterID
	SkipExisting     bool
	FailureThreshold int
}

func NewQueueManager(dispatcher *Dispatcher, configured []AdapterID, cfg QueueConfig) *QueueManager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 50
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	q := &QueueManager{
		items:            make([]*QueueItem, 0, cfg.Capacity),
		byID:             make(map[string]*QueueItem),
		dispatcher:       dispatcher,
		configured:       configured,
		caps:             cfg.Caps,
		primary:          cfg.Primary,
		capacity:         cfg.Capacity,
		skipExisting:     cfg.SkipExisting,
		failureThreshold: cfg.FailureThreshold,
		advisoryChan:     make(chan Advisory, 1),
		logger:           logger.NewCustomLogger().With("component", "queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue admits a new item. Fails with ErrQueueFull when pending plus
// in-flight items already fill the bounded capacity.
func (q *QueueManager) Enqueue(id string, req OutpaintRequest) (<-chan DispatchOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrServiceClosed
	}
	active := 0
	for _, it := range q.items {
		if it.State == StatePending || it.State == StateInFlight {
			active++
		}
	}
	if active >= q.capacity {
		return nil, ErrQueueFull
	}
	item := &QueueItem{
		ID:         id,
		Request:    req,
		State:      StatePending,
		EnqueuedAt: time.Now(),
		resultChan: make(chan DispatchOutcome, 1),
	}
	q.items = append(q.items, item)
	q.byID[id] = item
	q.cond.Broadcast()
	return item.resultChan, nil
}

// run is the admission loop: it moves pending items to in-flight while the
// current primary's cap has room, skipping items whose outputs already exist.
func (q *QueueManager) run() {
	for {
		q.mu.Lock()
		var item *QueueItem
		for {
			if q.closed {
				q.mu.Unlock()
				return
			}
			item = q.nextPendingLocked()
			if item != nil && q.inFlight < q.capFor(q.primary) {
				break
			}
			q.cond.Wait()
		}

		if q.skipExisting {
			// stat without holding the lock, slow filesystems must not
			// stall Enqueue or Stats
			paths := item.Request.ExpectedOutputPaths()
			q.mu.Unlock()
			exists := allExist(paths)
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			// the item may have been withdrawn during the stat calls
			if q.byID[item.ID] != item || item.State != StatePending {
				q.mu.Unlock()
				continue
			}
			if exists {
				item.State = StateCompleted
				item.Skipped = true
				item.FinishedAt = time.Now()
				outcome := DispatchOutcome{
					RequestID:   item.ID,
					Skipped:     true,
					OutputPaths: paths,
					FinishedAt:  item.FinishedAt,
				}
				ch := item.resultChan
				q.mu.Unlock()
				q.logger.Infof("item %s skipped, outputs already exist", item.ID)
				deliver(ch, outcome)
				continue
			}
			if q.inFlight >= q.capFor(q.primary) {
				q.mu.Unlock()
				continue
			}
		}

		item.State = StateInFlight
		item.StartedAt = time.Now()
		primary := q.primary
		fallback := q.fallbackFor(primary)
		q.inFlight++
		q.mu.Unlock()

		go q.process(item, primary, fallback)
	}
}

func (q *QueueManager) process(item *QueueItem, primary, fallback AdapterID) {
	outcome := q.dispatcher.Dispatch(context.Background(), item.Request, primary, fallback)

	q.mu.Lock()
	q.inFlight--
	item.FinishedAt = outcome.FinishedAt
	item.Adapter = outcome.Adapter
	item.Fallback = outcome.UsedFallback
	item.Warning = outcome.Warning
	item.Outputs = outcome.OutputPaths
	if outcome.Successful {
		item.State = StateCompleted
		q.streak = 0
		q.advisoryRaised = false
		q.pendingAdvisory = nil
	} else {
		item.State = StateFailed
		item.Error = outcome.ErrorMessage()
		if primary == q.primary {
			q.streak++
			q.maybeRaiseAdvisoryLocked()
		}
	}
	ch := item.resultChan
	q.cond.Broadcast()
	q.mu.Unlock()

	deliver(ch, outcome)
}

func (q *QueueManager) maybeRaiseAdvisoryLocked() {
	if q.advisoryRaised || q.streak < q.failureThreshold {
		return
	}
	to := q.fallbackFor(q.primary)
	if to == "" {
		return
	}
	remaining := 0
	for _, it := range q.items {
		if it.State == StatePending {
			remaining++
		}
	}
	advisory := Advisory{
		From:      q.primary,
		To:        to,
		Failures:  q.streak,
		Remaining: remaining,
		RaisedAt:  time.Now(),
	}
	q.advisoryRaised = true
	q.pendingAdvisory = &advisory
	select {
	case q.advisoryChan <- advisory:
	default:
	}
	q.logger.Warnf("%s failed %d times in a row, offering switch to %s for %d remaining items", advisory.From, advisory.Failures, advisory.To, advisory.Remaining)
}

func (q *QueueManager) nextPendingLocked() *QueueItem {
	for _, it := range q.items {
		if it.State == StatePending {
			return it
		}
	}
	return nil
}

func (q *QueueManager) capFor(id AdapterID) int {
	if c, ok := q.caps[id]; ok && c > 0 {
		return c
	}
	return 1
}

// fallbackFor returns the alternate configured adapter, empty when only one is
// configured.
func (q *QueueManager) fallbackFor(primary AdapterID) AdapterID {
	for _, id := range q.configured {
		if id != primary {
			return id
		}
	}
	return ""
}

// SetPrimary atomically swaps the primary adapter and its cap. In-flight items
// run to completion on their original adapter; the failure streak restarts.
func (q *QueueManager) SetPrimary(id AdapterID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	for _, c := range q.configured {
		if c == id {
			found = true
			break
		}
	}
	if !found {
		return ErrAdapterNotFound
	}
	if id != q.primary {
		q.logger.Infof("primary adapter switched: %s -> %s", q.primary, id)
	}
	q.primary = id
	q.streak = 0
	q.advisoryRaised = false
	q.pendingAdvisory = nil
	q.cond.Broadcast()
	return nil
}

func (q *QueueManager) Primary() AdapterID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.primary
}

// Withdraw removes a pending item before it is admitted. In-flight items
// cannot be cancelled; the adapter operation has to run out its own deadline.
func (q *QueueManager) Withdraw(id string) error {
	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State != StatePending {
		q.mu.Unlock()
		return ErrItemNotPending
	}
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
	ch := item.resultChan
	q.mu.Unlock()

	deliver(ch, DispatchOutcome{RequestID: id, Err: ErrWithdrawn, FinishedAt: time.Now()})
	return nil
}

// RetryFailed resubmits every failed item as a fresh dispatch of the same
// logical item and returns how many were re-queued.
func (q *QueueManager) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, it := range q.items {
		if it.State == StateFailed {
			it.State = StatePending
			it.Error = ""
			it.Adapter = ""
			it.Fallback = false
			it.resultChan = make(chan DispatchOutcome, 1)
			count++
		}
	}
	if count > 0 {
		q.cond.Broadcast()
	}
	return count
}

func (q *QueueManager) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{Primary: q.primary, ConsecutiveFailures: q.streak}
	for _, it := range q.items {
		stats.Total++
		switch it.State {
		case StatePending:
			stats.Pending++
		case StateInFlight:
			stats.InFlight++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats
}

func (q *QueueManager) Items() []QueueItemView {
	q.mu.Lock()
	defer q.mu.Unlock()
	views := make([]QueueItemView, 0, len(q.items))
	for _, it := range q.items {
		views = append(views, QueueItemView{
			ID:         it.ID,
			ImagePath:  it.Request.ImagePath,
			State:      it.State,
			Adapter:    it.Adapter,
			Fallback:   it.Fallback,
			Skipped:    it.Skipped,
			Error:      it.Error,
			Warning:    it.Warning,
			Outputs:    it.Outputs,
			EnqueuedAt: it.EnqueuedAt,
		})
	}
	return views
}

// Advisories exposes the failure-streak offers. The channel holds at most one
// advisory; a new streak replaces nothing until the previous one is resolved.
func (q *QueueManager) Advisories() <-chan Advisory {
	return q.advisoryChan
}

func (q *QueueManager) PendingAdvisory() *Advisory {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingAdvisory == nil {
		return nil
	}
	a := *q.pendingAdvisory
	return &a
}

// AcceptAdvisory swaps the primary to the advised adapter and clears the
// streak. Already in-flight items are unaffected.
func (q *QueueManager) AcceptAdvisory() (Advisory, error) {
	q.mu.Lock()
	advisory := q.pendingAdvisory
	q.mu.Unlock()
	if advisory == nil {
		return Advisory{}, ErrNoAdvisoryPending
	}
	if err := q.SetPrimary(advisory.To); err != nil {
		return Advisory{}, err
	}
	return *advisory, nil
}

func (q *QueueManager) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func allExist(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
