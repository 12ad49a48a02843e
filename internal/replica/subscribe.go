package replica

import (
	"context"
	"sync"
	"time"
)

// Subscribe registers fn to receive the table's contents after changes.
// fn is called once with the current contents, then again whenever
// writes settle. Each subscriber runs on its own goroutine and only sees
// the latest snapshot: a slow fn skips intermediate ones. A panicking fn
// is logged and keeps its subscription.
func (t *Table[T]) Subscribe(fn func([]T)) (unsubscribe func()) {
	s := &subscriber[T]{
		fn:      fn,
		mailbox: make(chan []T, 1),
		done:    make(chan struct{}),
	}

	t.subsMu.Lock()
	if t.closed.Load() {
		t.subsMu.Unlock()
		return func() {}
	}
	t.nextSub++
	id := t.nextSub
	t.subs[id] = s
	t.subsMu.Unlock()

	go s.run(t)
	go func() {
		// Ordered with broadcast so it never lands after a newer snapshot
		t.broadcastMu.Lock()
		defer t.broadcastMu.Unlock()
		if snap, ok := t.snapshot(); ok {
			s.deliver(snap)
		}
	}()

	return func() {
		t.subsMu.Lock()
		_, ok := t.subs[id]
		delete(t.subs, id)
		t.subsMu.Unlock()
		if ok {
			s.stop()
		}
	}
}

// broadcast loads the current contents and hands them to every subscriber.
// Serialized so later broadcasts never deliver older snapshots.
func (t *Table[T]) broadcast() {
	t.broadcastMu.Lock()
	defer t.broadcastMu.Unlock()

	t.subsMu.Lock()
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subsMu.Unlock()
	if len(subs) == 0 {
		return
	}

	snap, ok := t.snapshot()
	if !ok {
		return
	}
	for _, s := range subs {
		s.deliver(snap)
	}
	t.opts.metrics.Notified(t.name)
}

func (t *Table[T]) snapshot() ([]T, bool) {
	snap, err := t.GetAll(context.Background(), "")
	if err != nil {
		t.opts.logger.Error("failed to load snapshot for subscribers", "table", t.name, "error", err)
		return nil, false
	}
	return snap, true
}

type subscriber[T Record] struct {
	fn       func([]T)
	mailbox  chan []T // capacity 1, latest wins
	done     chan struct{}
	stopOnce sync.Once
}

// deliver replaces any undelivered snapshot with snap.
func (s *subscriber[T]) deliver(snap []T) {
	for {
		select {
		case s.mailbox <- snap:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}

func (s *subscriber[T]) run(t *Table[T]) {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.mailbox:
			s.invoke(t, snap)
		}
	}
}

func (s *subscriber[T]) invoke(t *Table[T], snap []T) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.logger.Error("subscriber panicked", "table", t.name, "panic", r)
		}
	}()
	s.fn(snap)
}

func (s *subscriber[T]) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// debouncer fires on the leading edge of a burst and once more at the end
// of each window that saw further triggers. A trailing fire opens a new
// window, so sustained triggering yields one fire per window.
type debouncer struct {
	window time.Duration
	fire   func()

	mu      sync.Mutex
	open    bool
	pending bool
	stopped bool
	timer   *time.Timer
}

func newDebouncer(window time.Duration, fire func()) *debouncer {
	return &debouncer{window: window, fire: fire}
}

// Trigger records a change.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.open {
		d.pending = true
		return
	}
	d.open = true
	d.timer = time.AfterFunc(d.window, d.windowEnd)
	go d.fire()
}

func (d *debouncer) windowEnd() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if !d.pending {
		d.open = false
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = time.AfterFunc(d.window, d.windowEnd)
	d.mu.Unlock()
	d.fire()
}

// Stop cancels any scheduled fire. Later triggers are ignored.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
