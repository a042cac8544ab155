// Package store holds cases, sessions, chat messages and test orders.
//
// Two implementations satisfy the Store contract: Memory keeps everything in
// process maps, SQLite persists to a database file.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pavelanni/osce/internal/model"
)

var (
	// ErrNotFound is returned when a record with the requested id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("already exists")
)

// Store is the clinical content store contract.
//
// Create methods assign ids and creation timestamps. Timestamps are strictly
// increasing per store, so chat history and test orders sort by them without ties.
type Store interface {
	ListCases(ctx context.Context) ([]model.Case, error)
	GetCase(ctx context.Context, id string) (model.Case, error)
	CreateCase(ctx context.Context, c model.Case) (model.Case, error)
	CaseCount(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	// UpdateSession shallow-merges the patch into the stored session.
	UpdateSession(ctx context.Context, id string, p model.SessionPatch) (model.Session, error)
	// MutateSession runs fn on the current session and stores the result as one
	// atomic read-modify-write. fn must not call back into the store.
	MutateSession(ctx context.Context, id string, fn func(*model.Session) error) (model.Session, error)

	AddChatMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error)
	GetChatHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)

	CreateTestOrder(ctx context.Context, o model.TestOrder) (model.TestOrder, error)
	GetTestOrders(ctx context.Context, sessionID string) ([]model.TestOrder, error)
	UpdateTestOrder(ctx context.Context, id string, p model.TestOrderPatch) (model.TestOrder, error)

	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)

	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the wall clock used for assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// clock hands out strictly increasing UTC timestamps.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// newSession fills the fields assigned at creation.
func newSession(s model.Session, id string, now time.Time) model.Session {
	s = s.Clone()
	s.ID = id
	s.TimeStarted = now
	if s.CurrentStage == "" {
		s.CurrentStage = model.StageHistory
	}
	s.PhysicalFindings = map[string]model.PhysicalFinding{}
	s.TreatmentPlan = model.TreatmentPlan{}
	return s
}
