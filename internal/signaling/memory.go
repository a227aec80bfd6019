package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/samber/lo"
)

// MemoryChannel is an in-process document store with the same delivery
// semantics as the production backends. It backs the broker and the tests.
type MemoryChannel struct {
	mu       sync.RWMutex
	calls    map[string]*callDoc
	incoming map[string][]string // calleeID -> callIDs
	watchers map[string]map[int]func(signal.CallRecord)
	nextSub  int
	closed   bool
}

type callDoc struct {
	fields     map[string][]byte
	candidates map[string][]signal.Candidate
	fieldSubs  map[string]map[int]func([]byte)
	candSubs   map[string]map[int]func(signal.Candidate)
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		calls:    make(map[string]*callDoc),
		incoming: make(map[string][]string),
		watchers: make(map[string]map[int]func(signal.CallRecord)),
	}
}

func (m *MemoryChannel) doc(callID string) *callDoc {
	d, ok := m.calls[callID]
	if !ok {
		d = &callDoc{
			fields:     make(map[string][]byte),
			candidates: make(map[string][]signal.Candidate),
			fieldSubs:  make(map[string]map[int]func([]byte)),
			candSubs:   make(map[string]map[int]func(signal.Candidate)),
		}
		m.calls[callID] = d
	}
	return d
}

func (m *MemoryChannel) Write(ctx context.Context, callID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	d := m.doc(callID)
	d.fields[field] = raw
	subs := collectSubs(d.fieldSubs[field])
	m.mu.Unlock()

	// Deliver outside the lock; callbacks may re-enter the channel.
	for _, fn := range subs {
		go fn(raw)
	}
	return nil
}

func (m *MemoryChannel) ReadOnce(ctx context.Context, callID, field string, out any) error {
	m.mu.RLock()
	d, ok := m.calls[callID]
	var raw []byte
	if ok {
		raw, ok = d.fields[field]
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *MemoryChannel) Subscribe(ctx context.Context, callID, field string, fn func(raw []byte)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	d := m.doc(callID)
	if d.fieldSubs[field] == nil {
		d.fieldSubs[field] = make(map[int]func([]byte))
	}
	id := m.nextSub
	m.nextSub++
	d.fieldSubs[field][id] = fn

	return m.fieldUnsub(callID, field, id), nil
}

func (m *MemoryChannel) fieldUnsub(callID, field string, id int) Unsubscribe {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if d, ok := m.calls[callID]; ok {
			delete(d.fieldSubs[field], id)
		}
	}
}

func (m *MemoryChannel) AppendCandidate(ctx context.Context, callID, field string, c signal.Candidate) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	d := m.doc(callID)
	d.candidates[field] = append(d.candidates[field], c)
	subs := collectSubs(d.candSubs[field])
	m.mu.Unlock()

	for _, fn := range subs {
		go fn(c)
	}
	return nil
}

func (m *MemoryChannel) Candidates(ctx context.Context, callID, field string) ([]signal.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.calls[callID]
	if !ok {
		return nil, nil
	}
	out := make([]signal.Candidate, len(d.candidates[field]))
	copy(out, d.candidates[field])
	return out, nil
}

func (m *MemoryChannel) SubscribeCandidates(ctx context.Context, callID, field string, fn func(signal.Candidate)) (Unsubscribe, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	d := m.doc(callID)
	existing := make([]signal.Candidate, len(d.candidates[field]))
	copy(existing, d.candidates[field])

	if d.candSubs[field] == nil {
		d.candSubs[field] = make(map[int]func(signal.Candidate))
	}
	id := m.nextSub
	m.nextSub++
	d.candSubs[field][id] = fn
	m.mu.Unlock()

	// Replay candidates appended before the subscription was registered.
	go func() {
		for _, c := range existing {
			fn(c)
		}
	}()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if d, ok := m.calls[callID]; ok {
			delete(d.candSubs[field], id)
		}
	}, nil
}

func (m *MemoryChannel) Announce(ctx context.Context, rec signal.CallRecord) error {
	if err := m.Write(ctx, rec.CallID, signal.FieldMeta, rec); err != nil {
		return err
	}
	if err := m.Write(ctx, rec.CallID, signal.FieldStatus, rec.Status); err != nil {
		return err
	}

	m.mu.Lock()
	m.incoming[rec.CalleeID] = append(m.incoming[rec.CalleeID], rec.CallID)
	subs := collectSubs(m.watchers[rec.CalleeID])
	m.mu.Unlock()

	for _, fn := range subs {
		go fn(rec)
	}
	return nil
}

func (m *MemoryChannel) IncomingCalls(ctx context.Context, userID string) ([]signal.CallRecord, error) {
	m.mu.RLock()
	callIDs := make([]string, len(m.incoming[userID]))
	copy(callIDs, m.incoming[userID])
	m.mu.RUnlock()

	records := make([]signal.CallRecord, 0, len(callIDs))
	for _, id := range callIDs {
		var rec signal.CallRecord
		if err := m.ReadOnce(ctx, id, signal.FieldMeta, &rec); err != nil {
			continue
		}
		var status signal.Status
		if err := m.ReadOnce(ctx, id, signal.FieldStatus, &status); err == nil {
			rec.Status = status
		}
		records = append(records, rec)
	}

	return lo.Filter(records, func(rec signal.CallRecord, _ int) bool {
		return rec.Status == signal.StatusPending
	}), nil
}

func (m *MemoryChannel) SubscribeIncoming(ctx context.Context, userID string, fn func(signal.CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if m.watchers[userID] == nil {
		m.watchers[userID] = make(map[int]func(signal.CallRecord))
	}
	id := m.nextSub
	m.nextSub++
	m.watchers[userID][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[userID], id)
	}, nil
}

func (m *MemoryChannel) Delete(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.calls, callID)
	for userID, ids := range m.incoming {
		m.incoming[userID] = lo.Without(ids, callID)
	}
	return nil
}

// Close drops all state and rejects further writes and subscriptions.
func (m *MemoryChannel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.calls = make(map[string]*callDoc)
}

func collectSubs[T any](subs map[int]T) []T {
	out := make([]T, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}
