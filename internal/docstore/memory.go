package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Writes are linearizable and listeners see
// every committed version in order.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]map[string]any
	subs map[string]map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]map[string]any),
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

func subKey(collection, id string) string { return collection + "/" + id }

func (m *Memory) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshotLocked(collection, id)
	if !snap.Exists {
		return snap, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return snap, nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs[collection]))
	for id := range m.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.snapshotLocked(collection, id))
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	return m.write(ctx, collection, id, func(_ map[string]any, _ bool) (map[string]any, error) {
		return fields, nil
	})
}

func (m *Memory) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	return m.write(ctx, collection, id, func(cur map[string]any, _ bool) (map[string]any, error) {
		return mergeFields(cur, norm), nil
	})
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	return m.write(ctx, collection, id, func(cur map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return mergeFields(cur, norm), nil
	})
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	return m.write(ctx, collection, id, func(_ map[string]any, exists bool) (map[string]any, error) {
		if exists {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
		}
		return fields, nil
	})
}

func (m *Memory) UpdateIf(ctx context.Context, collection, id string, cond, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	return m.write(ctx, collection, id, func(cur map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if !matches(cur, cond) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrPreconditionFailed)
		}
		return mergeFields(cur, norm), nil
	})
}

func (m *Memory) Subscribe(ctx context.Context, collection, id string, onChange func(Snapshot)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{
		fn:   onChange,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	key := subKey(collection, id)
	s.cancel = func() {
		m.mu.Lock()
		delete(m.subs[key], s)
		if len(m.subs[key]) == 0 {
			delete(m.subs, key)
		}
		m.mu.Unlock()
	}
	m.mu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[*memorySub]struct{})
	}
	m.subs[key][s] = struct{}{}
	s.push(m.snapshotLocked(collection, id))
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Cancel)
	go s.run(stop)
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	var all []*memorySub
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
	return nil
}

// write runs fn under the lock and notifies listeners of the new version.
func (m *Memory) write(ctx context.Context, collection, id string, fn func(cur map[string]any, exists bool) (map[string]any, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.docs[collection]
	cur, exists := coll[id]
	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	if coll == nil {
		coll = make(map[string]map[string]any)
		m.docs[collection] = coll
	}
	coll[id] = next
	snap := m.snapshotLocked(collection, id)
	for s := range m.subs[subKey(collection, id)] {
		s.push(snap)
	}
	return nil
}

func (m *Memory) snapshotLocked(collection, id string) Snapshot {
	data, ok := m.docs[collection][id]
	if !ok {
		return Snapshot{ID: id}
	}
	return Snapshot{ID: id, Exists: true, Data: deepCopy(data)}
}

func mergeFields(cur, fields map[string]any) map[string]any {
	out := make(map[string]any, len(cur)+len(fields))
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = copyValue(e)
		}
		return cp
	default:
		return v
	}
}

// memorySub delivers snapshots from an unbounded queue on its own goroutine,
// so listeners never run while the store lock is held.
type memorySub struct {
	fn     func(Snapshot)
	mu     sync.Mutex
	queue  []Snapshot
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	cancel func()
}

func (s *memorySub) push(snap Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) run(stop func() bool) {
	defer stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}

func (s *memorySub) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}
