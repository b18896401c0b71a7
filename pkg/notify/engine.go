// Package notify correlates delegate responses with the executions waiting on them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/google/uuid"
)

var (
	// ErrNoCorrelationIDs is returned when a wait is registered on an empty id set.
	ErrNoCorrelationIDs = errors.New("wait registered without correlation ids")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("notify engine closed")
)

// Callback receives one response per awaited correlation id.
type Callback func(ctx context.Context, responses map[string]models.ResponseData)

type wait struct {
	id        string
	ids       []string
	responses map[string]models.ResponseData
	callback  Callback
	fired     bool
}

// Engine keeps a barrier per wait: the callback runs once, after every id of the wait has a
// response. Responses are persisted first-writer-wins, so a redelivered response is discarded.
type Engine struct {
	repository persistence.NotifyResponseRepository
	logger     *slog.Logger

	mu            sync.Mutex
	waits         map[string]*wait
	byCorrelation map[string][]*wait
	timers        map[string]*time.Timer
	deadlines     map[string]time.Time
	closed        bool

	callbacks sync.WaitGroup
}

func NewEngine(repository persistence.NotifyResponseRepository, logger *slog.Logger) *Engine {
	return &Engine{
		repository:    repository,
		logger:        logger.With("module", "notify_engine"),
		waits:         make(map[string]*wait),
		byCorrelation: make(map[string][]*wait),
		timers:        make(map[string]*time.Timer),
		deadlines:     make(map[string]time.Time),
	}
}

// WaitForAllOn registers callback to run once every id in correlationIDs has a response and
// returns the wait id. Responses stored before the call count toward the barrier.
func (e *Engine) WaitForAllOn(ctx context.Context, callback Callback, correlationIDs ...string) (string, error) {
	ids := dedupe(correlationIDs)
	if len(ids) == 0 {
		return "", ErrNoCorrelationIDs
	}

	w := &wait{
		id:        uuid.New().String(),
		ids:       ids,
		responses: make(map[string]models.ResponseData, len(ids)),
		callback:  callback,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return "", ErrEngineClosed
	}

	e.waits[w.id] = w
	for _, id := range ids {
		e.byCorrelation[id] = append(e.byCorrelation[id], w)
	}
	e.mu.Unlock()

	stored, err := e.repository.GetByCorrelationIDs(ctx, ids)
	if err != nil {
		e.Cancel(w.id)

		return "", fmt.Errorf("failed to load stored responses: %w", err)
	}

	for id, data := range stored {
		e.deliver(ctx, id, data)
	}

	e.logger.DebugContext(ctx, "wait registered", "wait_id", w.id, "correlation_ids", ids, "already_done", len(stored))

	return w.id, nil
}

// DoneWith records the response for correlationID. It reports false when a response was
// already recorded, in which case data is discarded.
func (e *Engine) DoneWith(ctx context.Context, correlationID string, data models.ResponseData) (bool, error) {
	saved, err := e.repository.SaveIfAbsent(ctx, &models.NotifyResponse{
		CorrelationID: correlationID,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record response for %s: %w", correlationID, err)
	}

	if !saved {
		e.logger.InfoContext(ctx, "discarding duplicate response", "correlation_id", correlationID)

		return false, nil
	}

	e.CancelExpiry(correlationID)

	e.deliver(ctx, correlationID, data)

	return true, nil
}

// ExpireAfter synthesizes a timeout response for correlationID unless a real one arrives within d.
// The absolute deadline stays readable through Deadlines until the timer fires or is cancelled.
func (e *Engine) ExpireAfter(correlationID string, d time.Duration) {
	e.arm(correlationID, d, time.Now().UTC().Add(d))
}

// CancelExpiry stops the timeout armed for correlationID, if any.
func (e *Engine) CancelExpiry(correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.timers[correlationID]; ok {
		timer.Stop()
		delete(e.timers, correlationID)
	}

	delete(e.deadlines, correlationID)
}

// Deadlines returns the armed timeout deadline of each given id that still has one.
func (e *Engine) Deadlines(correlationIDs ...string) map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]time.Time, len(correlationIDs))

	for _, id := range correlationIDs {
		if at, ok := e.deadlines[id]; ok {
			out[id] = at
		}
	}

	return out
}

// Rearm restores timeouts from absolute deadlines, typically after a restart. Ids that already
// have a stored response are skipped; deadlines in the past fire almost immediately.
func (e *Engine) Rearm(ctx context.Context, deadlines map[string]time.Time) error {
	if len(deadlines) == 0 {
		return nil
	}

	ids := make([]string, 0, len(deadlines))
	for id := range deadlines {
		ids = append(ids, id)
	}

	stored, err := e.repository.GetByCorrelationIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load stored responses: %w", err)
	}

	now := time.Now().UTC()

	for id, at := range deadlines {
		if _, done := stored[id]; done {
			continue
		}

		e.arm(id, max(at.Sub(now), time.Millisecond), at)

		e.logger.DebugContext(ctx, "timeout re-armed", "correlation_id", id, "deadline", at)
	}

	return nil
}

func (e *Engine) arm(correlationID string, d time.Duration, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if timer, ok := e.timers[correlationID]; ok {
		timer.Stop()
	}

	e.deadlines[correlationID] = at
	e.timers[correlationID] = time.AfterFunc(d, func() {
		ctx := context.Background()

		e.mu.Lock()
		delete(e.timers, correlationID)
		delete(e.deadlines, correlationID)
		e.mu.Unlock()

		if _, err := e.DoneWith(ctx, correlationID, models.NewTimeoutResponse(correlationID, d)); err != nil {
			e.logger.ErrorContext(ctx, "failed to record timeout response", "correlation_id", correlationID, "error", err)
		}
	})
}

// Cancel drops a wait; its callback will not run.
func (e *Engine) Cancel(waitID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.waits[waitID]; ok {
		w.fired = true
		e.remove(w)
	}
}

// HandleDelegateResponse is the event bus handler for delegate responses.
func (e *Engine) HandleDelegateResponse(ctx context.Context, event any) error {
	response, ok := event.(*events.DelegateTaskResponded)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	_, err := e.DoneWith(ctx, response.CorrelationID, response.Data)

	return err
}

// Pending returns the number of waits whose callback has not run.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.waits)
}

// Close stops the expiry timers and waits for running callbacks.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true

	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}

	clear(e.deadlines)
	e.mu.Unlock()

	e.callbacks.Wait()
}

func (e *Engine) deliver(ctx context.Context, correlationID string, data models.ResponseData) {
	var completed []*wait

	e.mu.Lock()

	for _, w := range e.byCorrelation[correlationID] {
		if w.fired {
			continue
		}

		if _, seen := w.responses[correlationID]; seen {
			continue
		}

		w.responses[correlationID] = data

		if len(w.responses) == len(w.ids) {
			w.fired = true
			completed = append(completed, w)
		}
	}

	for _, w := range completed {
		e.remove(w)
	}

	e.callbacks.Add(len(completed))
	e.mu.Unlock()

	for _, w := range completed {
		e.logger.DebugContext(ctx, "wait completed", "wait_id", w.id)

		go func(w *wait) {
			defer e.callbacks.Done()

			w.callback(context.WithoutCancel(ctx), w.responses)
		}(w)
	}
}

// remove must be called with e.mu held.
func (e *Engine) remove(w *wait) {
	delete(e.waits, w.id)

	for _, id := range w.ids {
		waits := e.byCorrelation[id]
		for i, candidate := range waits {
			if candidate == w {
				waits = append(waits[:i], waits[i+1:]...)

				break
			}
		}

		if len(waits) == 0 {
			delete(e.byCorrelation, id)
		} else {
			e.byCorrelation[id] = waits
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if id == "" {
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
