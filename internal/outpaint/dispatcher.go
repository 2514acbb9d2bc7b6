package outpaint

import (
	"context"
	"fmt"
	"time"

	"github.com/seefan21/outpaint-batch/internal/logger"
)

// transientRetryDelays back off timeout failures on the same adapter before
// the fallback decision is made. These lower-level retries never count as
// fallback attempts.
var transientRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Dispatcher routes a single outpaint request to an adapter, classifies
// failures and decides whether to retry on the alternate adapter. The
// correctness contract: no request produces output from two adapters, and no
// request is retried on the fallback more than once.
type Dispatcher struct {
	adapters map[AdapterID]Adapter
	prober   *Prober
	logger   *logger.CustomLogger

	// sleep is replaceable so retry backoff can be tested without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(adapters map[AdapterID]Adapter, prober *Prober) *Dispatcher {
	return &Dispatcher{
		adapters: adapters,
		prober:   prober,
		logger:   logger.NewCustomLogger().With("component", "dispatcher"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch drives one request through the state machine:
//
//	Selecting -> Attempting(primary) -> Succeeded
//	                                 -> RetryingOnFallback -> Attempting(fallback) -> Succeeded
//	                                                                               -> FailedTerminal
//	                                 -> FailedTerminal
//
// fallback is empty when only one adapter is configured; any failure is then
// immediately terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, req OutpaintRequest, primary, fallback AdapterID) DispatchOutcome {
	outcome := DispatchOutcome{RequestID: req.ID}

	if _, ok := d.adapters[primary]; !ok {
		outcome.Err = NewConfigurationError(fmt.Sprintf("primary adapter %q is not configured", primary))
		outcome.FinishedAt = time.Now()
		return outcome
	}

	result := d.attempt(ctx, req, primary)
	outcome.Attempts = append(outcome.Attempts, attemptRecord(primary, result, false))
	if result.Successful() {
		return d.succeed(req, outcome, result, false)
	}

	d.logger.Warnf("request %s failed on %s: %s", req.ID, primary, result.Err)

	if !FallbackEligible(result.Err) {
		outcome.Err = result.Err
		outcome.FinishedAt = time.Now()
		return outcome
	}
	if fallback == "" || fallback == primary {
		outcome.Err = result.Err
		outcome.FinishedAt = time.Now()
		return outcome
	}
	if _, ok := d.adapters[fallback]; !ok {
		outcome.Err = result.Err
		outcome.FinishedAt = time.Now()
		return outcome
	}

	d.logger.Warnf("request %s retrying on fallback adapter %s", req.ID, fallback)
	fbResult := d.attempt(ctx, req, fallback)
	outcome.Attempts = append(outcome.Attempts, attemptRecord(fallback, fbResult, true))
	if fbResult.Successful() {
		return d.succeed(req, outcome, fbResult, true)
	}

	// both attempts failed, surface both classifications
	outcome.Err = fmt.Errorf("%s failed (%s); fallback %s failed (%s)", primary, result.Err, fallback, fbResult.Err)
	outcome.FinishedAt = time.Now()
	return outcome
}

func (d *Dispatcher) succeed(req OutpaintRequest, outcome DispatchOutcome, result BackendResult, usedFallback bool) DispatchOutcome {
	outcome.Successful = true
	outcome.Adapter = result.Adapter
	outcome.UsedFallback = usedFallback
	outcome.OutputPaths = result.OutputPaths
	if result.Partial() {
		outcome.Warning = fmt.Sprintf("partial output: %d of %d images produced", result.Produced, result.Requested)
		d.logger.Warnf("request %s: %s", req.ID, outcome.Warning)
	}
	outcome.FinishedAt = time.Now()
	return outcome
}

// attempt runs one adapter attempt including the availability gate and the
// same-adapter timeout backoff.
func (d *Dispatcher) attempt(ctx context.Context, req OutpaintRequest, id AdapterID) BackendResult {
	adapter := d.adapters[id]

	health, err := d.prober.Ensure(ctx, id)
	if err != nil {
		return BackendResult{Adapter: id, Requested: req.NumImages, Err: NewConfigurationError(err.Error())}
	}
	if !health.Available {
		result := BackendResult{
			Adapter:   id,
			Requested: req.NumImages,
			Err:       NewUnreachableError(fmt.Sprintf("adapter %s unavailable: %s", id, health.Message), nil),
		}
		d.prober.RecordOutcome(id, result.Err)
		return result
	}

	var result BackendResult
	for attempt := 0; ; attempt++ {
		d.prober.BeginSubmit(id)
		result = adapter.Submit(ctx, req)
		d.prober.EndSubmit(id)
		result.Adapter = id
		if result.Requested == 0 {
			result.Requested = req.NumImages
		}
		if result.Successful() || ClassOf(result.Err) != ErrorClassTimeout || attempt >= len(transientRetryDelays) {
			break
		}
		delay := transientRetryDelays[attempt]
		d.logger.Warnf("request %s timed out on %s, retrying in %s", req.ID, id, delay)
		if err := d.sleep(ctx, delay); err != nil {
			result.Err = NewTimeoutError("dispatch cancelled during retry backoff", err)
			break
		}
	}
	d.prober.RecordOutcome(id, result.Err)
	return result
}

func attemptRecord(id AdapterID, result BackendResult, fallback bool) Attempt {
	a := Attempt{Adapter: id, Fallback: fallback}
	if result.Err != nil {
		a.Class = ClassOf(result.Err)
		a.Message = result.Err.Error()
	}
	return a
}
