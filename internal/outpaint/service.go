package outpaint

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/seefan21/outpaint-batch/internal/logger"
)

// Service is the facade handed to the HTTP layer: submit requests, inspect
// health and queue state, switch the primary adapter. It owns the prober,
// dispatcher and queue manager; nothing else holds shared mutable state.
type Service struct {
	cfg        ServiceConfig
	adapters   map[AdapterID]Adapter
	prober     *Prober
	dispatcher *Dispatcher
	queue      *QueueManager
	logger     *logger.CustomLogger
}

func NewService(cfg ServiceConfig, adapters map[AdapterID]Adapter) (*Service, error) {
	cfg.applyDefaults()
	primary, err := ParseAdapterID(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if _, ok := adapters[primary]; !ok {
		return nil, fmt.Errorf("configured backend %q has no adapter", primary)
	}

	prober := NewProber(adapters, cfg.HealthStaleness)
	dispatcher := NewDispatcher(adapters, prober)

	configured := make([]AdapterID, 0, len(adapters))
	for id := range adapters {
		configured = append(configured, id)
	}
	sort.Slice(configured, func(i, j int) bool { return configured[i] < configured[j] })

	queue := NewQueueManager(dispatcher, configured, QueueConfig{
		Capacity: cfg.QueueCapacity,
		Caps: map[AdapterID]int{
			AdapterFalAI:   cfg.Workers.FalAI,
			AdapterComfyUI: cfg.Workers.ComfyUI,
		},
		Primary:          primary,
		SkipExisting:     !cfg.AllowReprocess,
		FailureThreshold: cfg.FailureThreshold,
	})

	return &Service{
		cfg:        cfg,
		adapters:   adapters,
		prober:     prober,
		dispatcher: dispatcher,
		queue:      queue,
		logger:     logger.NewCustomLogger().With("component", "service"),
	}, nil
}

// NewRequest builds a request from the session defaults. Callers override the
// fields they care about before Submit.
func (s *Service) NewRequest(imagePath string) OutpaintRequest {
	outputFolder := ""
	if !s.cfg.UseSourceFolder {
		outputFolder = s.cfg.OutputFolder
	}
	return OutpaintRequest{
		ImagePath:           imagePath,
		ZoomOutPercentage:   s.cfg.ZoomOutPercentage,
		ExpandMode:          s.cfg.ExpandMode,
		ExpandPercentage:    s.cfg.ExpandPercentage,
		ExpandLeft:          s.cfg.ExpandLeft,
		ExpandRight:         s.cfg.ExpandRight,
		ExpandTop:           s.cfg.ExpandTop,
		ExpandBottom:        s.cfg.ExpandBottom,
		NumImages:           s.cfg.NumImages,
		Prompt:              s.cfg.Prompt,
		OutputFormat:        s.cfg.OutputFormat,
		OutputSuffix:        s.cfg.OutputSuffix,
		OutputFolder:        outputFolder,
		AllowReprocess:      s.cfg.AllowReprocess,
		ReprocessMode:       s.cfg.ReprocessMode,
		EnableSafetyChecker: s.cfg.EnableSafetyChecker,
	}
}

// Submit validates and enqueues one request. Validation failures and
// impossible output sizes are rejected here, before any adapter is contacted.
// The returned channel delivers exactly one DispatchOutcome.
func (s *Service) Submit(req OutpaintRequest) (string, <-chan DispatchOutcome, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		return "", nil, err
	}
	width, height, err := InspectInputImage(req.ImagePath)
	if err != nil {
		return "", nil, err
	}
	req = req.ResolveExpand(width, height)
	warning, err := req.CheckOutputSize(width, height)
	if err != nil {
		return "", nil, err
	}
	if warning != "" {
		s.logger.Warnf("request %s: %s", req.ID, warning)
	}
	resultChan, err := s.queue.Enqueue(req.ID, req)
	if err != nil {
		return "", nil, err
	}
	s.logger.Infof("request %s enqueued: %s", req.ID, req.ImagePath)
	return req.ID, resultChan, nil
}

// BackendHealth returns the cached health, non-blocking.
func (s *Service) BackendHealth(id AdapterID) (BackendHealth, error) {
	return s.prober.Health(id)
}

// BackendHealthAll returns the cached health of every configured adapter.
func (s *Service) BackendHealthAll() []BackendHealth {
	ids := make([]AdapterID, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	healths := make([]BackendHealth, 0, len(ids))
	for _, id := range ids {
		if h, err := s.prober.Health(id); err == nil {
			healths = append(healths, h)
		}
	}
	return healths
}

// CheckBackend forces a fresh probe unless the adapter is busy submitting.
func (s *Service) CheckBackend(ctx context.Context, id AdapterID) (BackendHealth, error) {
	return s.prober.Check(ctx, id)
}

// SetPrimary swaps the primary adapter for future admissions and probes the
// new choice right away.
func (s *Service) SetPrimary(ctx context.Context, id AdapterID) (BackendHealth, error) {
	if err := s.queue.SetPrimary(id); err != nil {
		return BackendHealth{}, err
	}
	return s.prober.Check(ctx, id)
}

func (s *Service) Primary() AdapterID {
	return s.queue.Primary()
}

func (s *Service) Stats() QueueStats {
	return s.queue.Stats()
}

func (s *Service) Items() []QueueItemView {
	return s.queue.Items()
}

func (s *Service) Withdraw(id string) error {
	return s.queue.Withdraw(id)
}

func (s *Service) RetryFailed() int {
	return s.queue.RetryFailed()
}

func (s *Service) Advisories() <-chan Advisory {
	return s.queue.Advisories()
}

func (s *Service) PendingAdvisory() *Advisory {
	return s.queue.PendingAdvisory()
}

func (s *Service) AcceptAdvisory() (Advisory, error) {
	return s.queue.AcceptAdvisory()
}

func (s *Service) Close() {
	s.queue.Close()
}
