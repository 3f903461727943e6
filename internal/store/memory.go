package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development.
// Records live in a flat map keyed by full path.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]map[string]json.RawMessage
	watchers []*memWatcher
	// Clock overrides the server timestamp; nil means wall clock.
	Clock func() time.Time
}

type memWatcher struct {
	prefix string
	ch     chan Event
	ctx    context.Context
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Now(_ context.Context) time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Memory) Get(_ context.Context, path string, out any) (bool, error) {
	m.mu.RLock()
	fields, ok := m.records[path]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	fields, err := marshalFields(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[path] = fields
	m.mu.Unlock()
	m.notify(ctx, path)
	return nil
}

func (m *Memory) Merge(ctx context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	rec, ok := m.records[path]
	if !ok {
		rec = make(map[string]json.RawMessage)
		m.records[path] = rec
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		rec[k] = raw
	}
	m.mu.Unlock()
	m.notify(ctx, path)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.records, path)
	m.mu.Unlock()
	m.notify(ctx, path)
	return nil
}

func (m *Memory) List(_ context.Context, path string) (map[string]json.RawMessage, error) {
	prefix := path + "/"
	out := make(map[string]json.RawMessage)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p, fields := range m.records {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child := strings.TrimPrefix(p, prefix)
		if strings.Contains(child, "/") {
			continue // only direct record children
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out[child] = raw
	}
	return out, nil
}

func (m *Memory) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	fields, err := marshalFields(value)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	if _, exists := m.records[path]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.records[path] = fields
	m.mu.Unlock()
	m.notify(ctx, path)
	return true, nil
}

func (m *Memory) Watch(ctx context.Context, path string) (<-chan Event, error) {
	w := &memWatcher{prefix: path, ch: make(chan Event, 16), ctx: ctx}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, o := range m.watchers {
			if o == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch, nil
}

func (m *Memory) notify(ctx context.Context, path string) {
	m.mu.RLock()
	var hit []*memWatcher
	for _, w := range m.watchers {
		if path == w.prefix || strings.HasPrefix(path, w.prefix+"/") {
			hit = append(hit, w)
		}
	}
	m.mu.RUnlock()
	for _, w := range hit {
		children, err := m.List(ctx, w.prefix)
		if err != nil {
			continue
		}
		select {
		case w.ch <- Event{Path: w.prefix, Children: children}:
		default:
			// a slow watcher misses an intermediate snapshot, never blocks writers
		}
	}
}

// Keys returns all record paths, sorted. Test helper.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for p := range m.records {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
