package timer

import (
	"sync"
	"time"
)

// Handle identifies a started hold.
type Handle int64

// Hold is a hold-to-confirm primitive: an action started with Start runs
// exactly once when the duration elapses, unless Cancel wins the race.
type Hold struct {
	manager *TimerManager

	mu      sync.Mutex
	next    Handle
	pending map[Handle]int64
}

func NewHold(manager *TimerManager) *Hold {
	return &Hold{
		manager: manager,
		next:    1,
		pending: make(map[Handle]int64),
	}
}

func (h *Hold) Start(action func(), d time.Duration) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle := h.next
	h.next++
	h.pending[handle] = h.manager.AddTimer(d, 0, func() {
		if _, ok := h.take(handle); ok {
			action()
		}
	})
	return handle
}

// Cancel aborts a pending hold. It returns false if the hold already fired
// or was cancelled before.
func (h *Hold) Cancel(handle Handle) bool {
	timerID, ok := h.take(handle)
	if !ok {
		return false
	}
	h.manager.RemoveTimer(timerID)
	return true
}

func (h *Hold) Active(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[handle]
	return ok
}

func (h *Hold) take(handle Handle) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	timerID, ok := h.pending[handle]
	if ok {
		delete(h.pending, handle)
	}
	return timerID, ok
}
