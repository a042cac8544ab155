package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/osce/internal/model"
)

type record[T any] struct {
	seq int64
	val T
}

// Memory is an in-process Store. Records are copied in and out, so callers
// never share maps or slices with the stored state.
type Memory struct {
	mu       sync.RWMutex
	clock    *clock
	seq      int64
	cases    map[string]record[model.Case]
	sessions map[string]record[model.Session]
	messages map[string]record[model.ChatMessage]
	orders   map[string]record[model.TestOrder]
	users    map[string]record[model.User]
	metadata map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		clock:    newClock(o.now),
		cases:    map[string]record[model.Case]{},
		sessions: map[string]record[model.Session]{},
		messages: map[string]record[model.ChatMessage]{},
		orders:   map[string]record[model.TestOrder]{},
		users:    map[string]record[model.User]{},
		metadata: map[string]string{},
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) nextSeq() int64 {
	m.seq++
	return m.seq
}

// sortedValues orders records by the given timestamp, breaking ties by insertion order.
func sortedValues[T any](recs []record[T], at func(T) time.Time) []T {
	slices.SortFunc(recs, func(a, b record[T]) int {
		if c := at(a.val).Compare(at(b.val)); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.val)
	}
	return out
}

// ListCases returns all cases in creation order.
func (m *Memory) ListCases(_ context.Context) ([]model.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]record[model.Case], 0, len(m.cases))
	for _, r := range m.cases {
		recs = append(recs, record[model.Case]{seq: r.seq, val: r.val.Clone()})
	}
	return sortedValues(recs, func(c model.Case) time.Time { return c.CreatedAt }), nil
}

// GetCase returns a case by id.
func (m *Memory) GetCase(_ context.Context, id string) (model.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.cases[id]
	if !ok {
		return model.Case{}, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	return r.val.Clone(), nil
}

// CreateCase stores a case and assigns its id and creation time.
func (m *Memory) CreateCase(_ context.Context, c model.Case) (model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c = c.Clone()
	c.ID = uuid.NewString()
	c.CreatedAt = m.clock.Now()
	m.cases[c.ID] = record[model.Case]{seq: m.nextSeq(), val: c}
	return c.Clone(), nil
}

// CaseCount returns the number of stored cases.
func (m *Memory) CaseCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cases), nil
}

// CreateSession stores a new session with empty findings and treatment plan.
func (m *Memory) CreateSession(_ context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s = newSession(s, uuid.NewString(), m.clock.Now())
	m.sessions[s.ID] = record[model.Session]{seq: m.nextSeq(), val: s}
	return s.Clone(), nil
}

// GetSession returns a session by id.
func (m *Memory) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return r.val.Clone(), nil
}

// ListSessions returns all sessions in creation order.
func (m *Memory) ListSessions(_ context.Context) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]record[model.Session], 0, len(m.sessions))
	for _, r := range m.sessions {
		recs = append(recs, record[model.Session]{seq: r.seq, val: r.val.Clone()})
	}
	return sortedValues(recs, func(s model.Session) time.Time { return s.TimeStarted }), nil
}

// UpdateSession shallow-merges p into the stored session.
func (m *Memory) UpdateSession(ctx context.Context, id string, p model.SessionPatch) (model.Session, error) {
	return m.MutateSession(ctx, id, func(s *model.Session) error {
		p.Apply(s)
		return nil
	})
}

// MutateSession applies fn under the store lock.
func (m *Memory) MutateSession(_ context.Context, id string, fn func(*model.Session) error) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s := r.val.Clone()
	if err := fn(&s); err != nil {
		return model.Session{}, err
	}
	s.ID = id
	r.val = s.Clone()
	m.sessions[id] = r
	return s, nil
}

// AddChatMessage stores a message and assigns its id and timestamp.
func (m *Memory) AddChatMessage(_ context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.Timestamp = m.clock.Now()
	m.messages[msg.ID] = record[model.ChatMessage]{seq: m.nextSeq(), val: msg}
	return msg, nil
}

// GetChatHistory returns the session's messages by ascending timestamp.
func (m *Memory) GetChatHistory(_ context.Context, sessionID string) ([]model.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []record[model.ChatMessage]
	for _, r := range m.messages {
		if r.val.SessionID == sessionID {
			recs = append(recs, r)
		}
	}
	return sortedValues(recs, func(c model.ChatMessage) time.Time { return c.Timestamp }), nil
}

// CreateTestOrder stores an order with no result yet.
func (m *Memory) CreateTestOrder(_ context.Context, o model.TestOrder) (model.TestOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.NewString()
	o.OrderTime = m.clock.Now()
	o.ResultTime = nil
	o.Result = nil
	m.orders[o.ID] = record[model.TestOrder]{seq: m.nextSeq(), val: o}
	return o, nil
}

// GetTestOrders returns the session's orders by ascending order time.
func (m *Memory) GetTestOrders(_ context.Context, sessionID string) ([]model.TestOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []record[model.TestOrder]
	for _, r := range m.orders {
		if r.val.SessionID == sessionID {
			recs = append(recs, record[model.TestOrder]{seq: r.seq, val: cloneOrder(r.val)})
		}
	}
	return sortedValues(recs, func(o model.TestOrder) time.Time { return o.OrderTime }), nil
}

// UpdateTestOrder shallow-merges p into the stored order.
func (m *Memory) UpdateTestOrder(_ context.Context, id string, p model.TestOrderPatch) (model.TestOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.orders[id]
	if !ok {
		return model.TestOrder{}, fmt.Errorf("test order %s: %w", id, ErrNotFound)
	}
	p.Apply(&r.val)
	m.orders[id] = r
	return cloneOrder(r.val), nil
}

func cloneOrder(o model.TestOrder) model.TestOrder {
	o.Result = slices.Clone(o.Result)
	if o.ResultTime != nil {
		t := *o.ResultTime
		o.ResultTime = &t
	}
	return o
}

// CreateUser stores a user; usernames are unique.
func (m *Memory) CreateUser(_ context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.users {
		if r.val.Username == u.Username {
			return model.User{}, fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
	}
	u.ID = uuid.NewString()
	u.CreatedAt = m.clock.Now()
	m.users[u.ID] = record[model.User]{seq: m.nextSeq(), val: u}
	return u, nil
}

// GetUserByUsername returns a user by username.
func (m *Memory) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.users {
		if r.val.Username == username {
			return r.val, nil
		}
	}
	return model.User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
}

// SetMetadata stores a key-value pair.
func (m *Memory) SetMetadata(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
	return nil
}

// GetMetadata returns the value for key, or "" if the key is missing.
func (m *Memory) GetMetadata(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[key], nil
}

var _ Store = (*Memory)(nil)
