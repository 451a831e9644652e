package eventbridge

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

const (
	defaultDedupeWindow  = 1024
	defaultFinishedLimit = 256
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers lifecycle events to subscribers. Every run keeps its full
// event history so late subscribers see the stream from the first event.
// Publishing never blocks: each subscriber owns an unbounded queue drained by
// its own goroutine.
type Router struct {
	mu            sync.Mutex
	streams       map[string]*stream
	global        map[*subscriber]struct{}
	finished      []string
	recentIDs     map[string]struct{}
	recentOrder   []string
	dedupeWindow  int
	finishedLimit int
	closed        bool
	logger        *slog.Logger
	sinks         sync.WaitGroup
}

type stream struct {
	history  []lifecycle.Event
	subs     map[*subscriber]struct{}
	finished bool
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan lifecycle.Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		streams:       map[string]*stream{},
		global:        map[*subscriber]struct{}{},
		recentIDs:     map[string]struct{}{},
		recentOrder:   make([]string, 0, defaultDedupeWindow),
		dedupeWindow:  defaultDedupeWindow,
		finishedLimit: defaultFinishedLimit,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for diagnostic messages.
func RouterWithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// RouterWithFinishedLimit bounds how many finished runs keep their history in
// memory. The oldest finished run is forgotten first.
func RouterWithFinishedLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.finishedLimit = limit
		}
	}
}

// Publish satisfies lifecycle.Publisher.
func (r *Router) Publish(event lifecycle.Event) {
	r.Route(event)
}

// Route records the event in its run's history and hands it to every
// subscriber of that run plus every global subscriber.
func (r *Router) Route(event lifecycle.Event) {
	if event.RunID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return
	}
	st := r.streamLocked(event.RunID)
	if st.finished {
		r.logger.Debug("eventbridge: event after finish", "run_id", event.RunID, "kind", string(event.Kind))
	}
	st.history = append(st.history, event)
	for sub := range st.subs {
		sub.enqueue(event)
	}
	for sub := range r.global {
		sub.enqueue(event)
	}
	if event.Kind.Terminal() && !st.finished {
		st.finished = true
		for sub := range st.subs {
			sub.finish()
		}
		st.subs = map[*subscriber]struct{}{}
		r.finished = append(r.finished, event.RunID)
		r.pruneLocked()
	}
}

// Subscribe follows one run. Earlier events are replayed first; the channel
// closes after the run's workflow_finished event has been delivered.
func (r *Router) Subscribe(runID string) Subscription {
	r.mu.Lock()
	st := r.streamLocked(runID)
	return r.subscribeLocked(runID, st)
}

// SubscribeKnown is Subscribe for runs whose stream the router still holds.
// It reports false, without creating a stream, for runs it never saw or has
// already pruned.
func (r *Router) SubscribeKnown(runID string) (Subscription, bool) {
	r.mu.Lock()
	st, ok := r.streams[runID]
	if !ok {
		r.mu.Unlock()
		return Subscription{}, false
	}
	return r.subscribeLocked(runID, st), true
}

// Open registers a run's stream before its first event so SubscribeKnown
// finds it.
func (r *Router) Open(runID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.streamLocked(runID)
	}
}

// subscribeLocked is called with r.mu held and releases it.
func (r *Router) subscribeLocked(runID string, st *stream) Subscription {
	sub := newSubscriber()
	sub.enqueue(st.history...)
	switch {
	case st.finished || r.closed:
		sub.finish()
	default:
		st.subs[sub] = struct{}{}
	}
	r.mu.Unlock()
	go sub.pump()
	return Subscription{
		Events: sub.out,
		cancel: func() {
			r.mu.Lock()
			if st, ok := r.streams[runID]; ok {
				delete(st.subs, sub)
			}
			r.mu.Unlock()
			sub.stop()
		},
	}
}

// Replay returns a subscription that delivers events and then closes.
func Replay(events ...lifecycle.Event) Subscription {
	sub := newSubscriber()
	sub.enqueue(events...)
	sub.finish()
	go sub.pump()
	return Subscription{Events: sub.out, cancel: sub.stop}
}

// SubscribeAll receives every event routed after the call, across runs. The
// channel closes when the router is closed and the queue has drained.
func (r *Router) SubscribeAll() Subscription {
	sub := newSubscriber()
	r.mu.Lock()
	if r.closed {
		sub.finish()
	} else {
		r.global[sub] = struct{}{}
	}
	r.mu.Unlock()
	go sub.pump()
	return Subscription{
		Events: sub.out,
		cancel: func() {
			r.mu.Lock()
			delete(r.global, sub)
			r.mu.Unlock()
			sub.stop()
		},
	}
}

// Attach runs sink against a global subscription until the router closes or
// ctx is done. Close waits for attached sinks to drain.
func (r *Router) Attach(ctx context.Context, name string, sink Sink) {
	sub := r.SubscribeAll()
	r.sinks.Add(1)
	go func() {
		defer r.sinks.Done()
		defer sub.Close()
		Pump(ctx, sub, name, sink, r.logger)
	}()
}

// History returns a copy of the events recorded for a run.
func (r *Router) History(runID string) []lifecycle.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[runID]
	if !ok {
		return nil
	}
	out := make([]lifecycle.Event, len(st.history))
	copy(out, st.history)
	return out
}

// Known reports whether the router still holds the run's stream.
func (r *Router) Known(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[runID]
	return ok
}

// Finished reports whether the run has emitted workflow_finished.
func (r *Router) Finished(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[runID]
	return ok && st.finished
}

// Close stops accepting events, lets every subscriber drain, and waits for
// attached sinks to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.sinks.Wait()
		return
	}
	r.closed = true
	for sub := range r.global {
		sub.finish()
	}
	r.global = map[*subscriber]struct{}{}
	for _, st := range r.streams {
		for sub := range st.subs {
			sub.finish()
		}
		st.subs = map[*subscriber]struct{}{}
	}
	r.mu.Unlock()
	r.sinks.Wait()
}

func (r *Router) streamLocked(runID string) *stream {
	st, ok := r.streams[runID]
	if !ok {
		st = &stream{subs: map[*subscriber]struct{}{}}
		r.streams[runID] = st
	}
	return st
}

func (r *Router) pruneLocked() {
	for len(r.finished) > r.finishedLimit {
		oldest := r.finished[0]
		r.finished = r.finished[1:]
		delete(r.streams, oldest)
	}
}

func (r *Router) isDuplicate(eventID string) bool {
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

// subscriber buffers events in an unbounded queue and forwards them in order
// to out from its own goroutine.
type subscriber struct {
	mu        sync.Mutex
	queue     []lifecycle.Event
	finishing bool
	signal    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	out       chan lifecycle.Event
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan lifecycle.Event),
	}
}

func (s *subscriber) enqueue(events ...lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	s.notify()
}

// finish closes out once the queue has drained.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.notify()
}

// stop closes out without draining.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finishing := s.finishing
			s.mu.Unlock()
			if finishing {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = lifecycle.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
