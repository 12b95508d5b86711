// Package adapter is the composition root tying a rule engine, the
// situation store, the evaluation coordinator and a notification channel.
//
// An Adapter holds the engine rather than extending it: validation and
// notification are layered around plain engine calls. Until a consumer is
// attached the adapter runs detached and notifications are discarded.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/liamcoop/rulesadapter/evaluation"
	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/internal/metrics"
	"github.com/liamcoop/rulesadapter/notify"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/situation"
)

// ErrNotReady is returned by every operation of an adapter whose catalog
// is not compiled yet, or failed to compile.
var ErrNotReady = errors.New("adapter not initialized")

// Adapter exposes situation updates and batch evaluation over one catalog.
// Calls are serialised, so notifications reach the channel in call order.
type Adapter struct {
	engine      *rules.Engine
	store       *situation.Store
	coordinator *evaluation.Coordinator

	channel notify.Channel
	chMu    sync.RWMutex

	ready   chan struct{}
	initErr error
	mu      sync.Mutex
}

func newAdapter() *Adapter {
	return &Adapter{
		channel: notify.Discard,
		ready:   make(chan struct{}),
	}
}

// New creates a ready adapter over an already compiled catalog, with an
// empty situation.
func New(catalog *rules.Catalog) *Adapter {
	a := newAdapter()
	a.bind(catalog)
	close(a.ready)
	return a
}

// NewAsync returns immediately and compiles defs in the background, then
// applies the initial situation. Operations fail with ErrNotReady until the
// catalog is ready; use Wait or Ready to synchronise.
func NewAsync(defs []*rules.Rule, initial situation.Situation) *Adapter {
	a := newAdapter()
	initial = initial.Clone()

	go func() {
		defer close(a.ready)

		start := time.Now()
		catalog, err := rules.NewCatalog(defs)
		if err != nil {
			logger.Error("failed to compile rules", "count", len(defs), "error", err)
			a.initErr = err
			return
		}
		logger.Info("compiled rules", "count", len(defs), "duration", time.Since(start).String())

		a.bind(catalog)
		if len(initial) > 0 {
			if _, _, err := a.store.Set(initial, situation.SetOptions{}); err != nil {
				a.initErr = err
			}
		}
	}()

	return a
}

func (a *Adapter) bind(catalog *rules.Catalog) {
	a.engine = rules.NewEngine(catalog)
	a.store = situation.NewStore(a.engine)
	a.store.OnChange(func() {
		a.publish(notify.SituationChanged())
	})
	a.coordinator = evaluation.NewCoordinator(a.engine)
}

// Ready is closed once asynchronous construction has finished, successfully
// or not.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Wait blocks until the adapter is ready or ctx is done.
func (a *Adapter) Wait(ctx context.Context) error {
	select {
	case <-a.ready:
		return a.readyErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) checkReady() error {
	select {
	case <-a.ready:
		return a.readyErr()
	default:
		return ErrNotReady
	}
}

func (a *Adapter) readyErr() error {
	if a.initErr != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, a.initErr)
	}
	return nil
}

// Attach connects a consumer. It may be called at any time; nil detaches.
func (a *Adapter) Attach(ch notify.Channel) {
	if ch == nil {
		ch = notify.Discard
	}
	a.chMu.Lock()
	a.channel = ch
	a.chMu.Unlock()
}

// Detach disconnects ch if it is still the attached channel, and reports
// whether it was. A consumer that attached later is left in place.
func (a *Adapter) Detach(ch notify.Channel) bool {
	if ch == nil || !reflect.TypeOf(ch).Comparable() {
		return false
	}
	a.chMu.Lock()
	defer a.chMu.Unlock()

	if reflect.TypeOf(a.channel) != reflect.TypeOf(ch) || a.channel != ch {
		return false
	}
	a.channel = notify.Discard
	return true
}

func (a *Adapter) publish(e notify.Event) {
	a.chMu.RLock()
	ch := a.channel
	a.chMu.RUnlock()

	if ch == notify.Discard {
		return
	}
	metrics.NotificationsSent.WithLabelValues(string(e.Type)).Inc()
	ch.Send(e)
}

// Catalog returns the catalog currently evaluated.
func (a *Adapter) Catalog() (*rules.Catalog, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Catalog(), nil
}

// Situation returns a copy of the current situation.
func (a *Adapter) Situation() (situation.Situation, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Get(), nil
}

// SetSituation replaces, or with KeepPreviousSituation merges into, the
// situation. Entries the catalog cannot evaluate are dropped and returned.
// Publishes a situation changed event.
func (a *Adapter) SetSituation(s situation.Situation, opts situation.SetOptions) (situation.Situation, []situation.Rejection, error) {
	if err := a.checkReady(); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Set(s, opts)
}

// UpdateAnswer overlays a single answer on the current situation and
// replaces it.
func (a *Adapter) UpdateAnswer(name string, v situation.Value) (situation.Situation, []situation.Rejection, error) {
	if err := a.checkReady(); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.store.Get()
	next[name] = v
	return a.store.Set(next, situation.SetOptions{})
}

// EvaluateOne evaluates a single rule without publishing.
func (a *Adapter) EvaluateOne(name string) (evaluation.EvaluatedRule, error) {
	if err := a.checkReady(); err != nil {
		return evaluation.EvaluatedRule{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coordinator.EvaluateOne(name)
}

// EvaluateMany evaluates names in order and publishes the batch.
func (a *Adapter) EvaluateMany(names []string) (evaluation.BatchResult, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	batch, err := a.coordinator.EvaluateMany(names)
	if err != nil {
		return nil, err
	}
	a.publish(notify.RulesEvaluated(batch))
	return batch, nil
}

// Rebind swaps in a new catalog and re-filters the current situation
// against it, dropping answers to rules or options that disappeared.
// Publishes a situation changed event.
func (a *Adapter) Rebind(catalog *rules.Catalog) (situation.Situation, []situation.Rejection, error) {
	if err := a.checkReady(); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	engine := rules.NewEngine(catalog)
	s, rejected, err := a.store.Rebind(engine)
	if err != nil {
		return nil, nil, err
	}
	a.engine = engine
	a.coordinator = evaluation.NewCoordinator(engine)
	return s, rejected, nil
}
