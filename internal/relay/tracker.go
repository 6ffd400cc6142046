package relay

import (
	"context"
	"sync"
)

// Tracker registers running relays so shutdown can cancel and await them.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup

	// closed is set by CancelAll; later registrations are canceled at once.
	closed bool
}

type trackedCall struct {
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*trackedCall)}
}

// Register records a running relay. The returned func unregisters it and
// is safe to call more than once. Registering an id again replaces the
// previous entry. After CancelAll, cancel runs immediately and nothing is
// registered.
func (t *Tracker) Register(id string, cancel func()) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &trackedCall{cancel: cancel}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return func() {}
	}
	old := t.calls[id]
	t.calls[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[id] == entry {
			delete(t.calls, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// CancelAll cancels every registered relay and returns how many there were.
// The tracker accepts no new relays afterwards.
func (t *Tracker) CancelAll() int {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	t.closed = true
	for _, entry := range t.calls {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Wait blocks until every registered relay has unregistered or ctx is done.
// It reports whether all relays finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
