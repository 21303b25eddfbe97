package live

import (
	"context"
	"sync"
)

// Handle is what the tracker can do to one live connection: cancel its
// context, or push an out-of-band notice (used when the server starts
// draining).
type Handle struct {
	Cancel func()
	Notify func(code, message string) error
}

// Tracker indexes live sessions by ID so shutdown can notify, cancel, and
// wait for them. Registering an ID that is already present evicts the old
// connection; the newest hello wins.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedConn
	wg      sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*trackedConn)}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*trackedConn)
	}
	old := t.entries[sessionID]
	t.entries[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[sessionID] == entry {
			delete(t.entries, sessionID)
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
	return len(t.entries)
}

// NotifyAll pushes a notice to every live connection, e.g. before a drain.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	var notifies []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (cancelled int) {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		cancelled++
	}
	return cancelled
}

// Wait blocks until every registered connection unregisters or ctx expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
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
