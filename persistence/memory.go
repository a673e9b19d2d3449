package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/crawlparty/models"
)

var ErrClosed = errors.New("store closed")

const zeroTime = "0001-01-01T00:00:00Z"

type memRow struct {
	seq  int64
	data map[string]any
}

// Memory is an in-process Store holding rows as their JSON form. It backs
// single-replica runs and tests.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]*memRow
	seq    int64
	fail   error
	closed bool
	hub    *hub
}

func NewMemory() *Memory {
	m := &Memory{
		tables: make(map[string]map[string]*memRow),
		hub:    newHub(),
	}
	for _, table := range models.Tables {
		m.tables[table] = make(map[string]*memRow)
	}
	return m
}

// FailWrites makes every following write fail with err; nil restores writes.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) writable(op, table, id string) error {
	if m.closed {
		return storeErr(op, table, id, ErrClosed)
	}
	if m.fail != nil {
		return storeErr(op, table, id, m.fail)
	}
	if !knownTable(table) {
		return storeErr(op, table, id, ErrUnknownTable)
	}
	return nil
}

func (m *Memory) ReadAll(_ context.Context, table string, dest any) error {
	m.mu.RLock()
	if !knownTable(table) {
		m.mu.RUnlock()
		return storeErr("read", table, "", ErrUnknownTable)
	}
	rows := make([]*memRow, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		rows = append(rows, r)
	}
	col := orderColumns[table]
	sort.Slice(rows, func(i, j int) bool {
		if c := compareValues(rows[i].data[col], rows[j].data[col]); c != 0 {
			return c < 0
		}
		return rows[i].seq < rows[j].seq
	})
	data := make([]map[string]any, len(rows))
	for i, r := range rows {
		data[i] = r.data
	}
	raw, err := json.Marshal(data)
	m.mu.RUnlock()

	if err != nil {
		return storeErr("read", table, "", err)
	}
	return storeErr("read", table, "", json.Unmarshal(raw, dest))
}

func (m *Memory) Get(_ context.Context, table, id string, dest any) error {
	m.mu.RLock()
	if !knownTable(table) {
		m.mu.RUnlock()
		return storeErr("get", table, id, ErrUnknownTable)
	}
	row, ok := m.tables[table][id]
	if !ok {
		m.mu.RUnlock()
		return storeErr("get", table, id, ErrRecordNotFound)
	}
	raw, err := json.Marshal(row.data)
	m.mu.RUnlock()

	if err != nil {
		return storeErr("get", table, id, err)
	}
	return storeErr("get", table, id, json.Unmarshal(raw, dest))
}

func (m *Memory) Insert(_ context.Context, table string, record models.Record) error {
	m.mu.Lock()
	if err := m.writable("insert", table, record.GetID()); err != nil {
		m.mu.Unlock()
		return err
	}
	if record.GetID() == "" {
		record.SetID(uuid.NewString())
	}
	id := record.GetID()
	if _, exists := m.tables[table][id]; exists {
		m.mu.Unlock()
		return storeErr("insert", table, id, errors.New("duplicate key"))
	}

	data, err := toMap(record)
	if err != nil {
		m.mu.Unlock()
		return storeErr("insert", table, id, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, col := range []string{"created_at", "updated_at"} {
		if v, ok := data[col]; ok && v == zeroTime {
			data[col] = now
		}
	}
	m.seq++
	m.tables[table][id] = &memRow{seq: m.seq, data: data}
	raw, err := json.Marshal(data)
	m.mu.Unlock()

	if err == nil {
		// reflect generated timestamps back like gorm does
		_ = json.Unmarshal(raw, record)
	}
	m.hub.notify(table)
	return nil
}

func (m *Memory) Update(_ context.Context, table, id string, fields map[string]any) error {
	m.mu.Lock()
	if err := m.writable("update", table, id); err != nil {
		m.mu.Unlock()
		return err
	}
	row, ok := m.tables[table][id]
	if !ok {
		m.mu.Unlock()
		return storeErr("update", table, id, ErrRecordNotFound)
	}
	patch, err := toMap(fields)
	if err != nil {
		m.mu.Unlock()
		return storeErr("update", table, id, err)
	}
	for k, v := range patch {
		row.data[k] = v
	}
	m.mu.Unlock()

	m.hub.notify(table)
	return nil
}

func (m *Memory) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	if err := m.writable("delete", table, id); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.tables[table], id)
	m.mu.Unlock()

	m.hub.notify(table)
	return nil
}

func (m *Memory) DeleteAll(_ context.Context, table string) error {
	m.mu.Lock()
	if err := m.writable("delete", table, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	m.tables[table] = make(map[string]*memRow)
	m.mu.Unlock()

	m.hub.notify(table)
	return nil
}

func (m *Memory) Subscribe(table string, onChange func()) func() {
	return m.hub.subscribe(table, onChange)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// compareValues orders JSON scalars: numbers numerically, timestamps
// chronologically, other strings lexically, nulls first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := a.(float64); ok {
		if fb, ok := b.(float64); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0
	}
	ta, errA := time.Parse(time.RFC3339Nano, sa)
	tb, errB := time.Parse(time.RFC3339Nano, sb)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
