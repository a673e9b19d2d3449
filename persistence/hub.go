package persistence

import "sync"

// hub fans table change notifications out to subscribers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func()
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]func())}
}

func (h *hub) subscribe(table string, onChange func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	if h.subs[table] == nil {
		h.subs[table] = make(map[int]func())
	}
	h.subs[table][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[table], id)
		})
	}
}

func (h *hub) callbacks(table string) []func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	fns := make([]func(), 0, len(h.subs[table]))
	for _, fn := range h.subs[table] {
		fns = append(fns, fn)
	}
	return fns
}

// notify runs the table's subscribers on a separate goroutine so writers
// never wait on them.
func (h *hub) notify(table string) {
	fns := h.callbacks(table)
	if len(fns) == 0 {
		return
	}
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

func (h *hub) notifyAll() {
	h.mu.Lock()
	tables := make([]string, 0, len(h.subs))
	for table := range h.subs {
		tables = append(tables, table)
	}
	h.mu.Unlock()

	for _, table := range tables {
		h.notify(table)
	}
}
