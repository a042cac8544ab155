package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/osce/internal/model"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db    *sql.DB
	clock *clock
}

// NewSQLite opens (or creates) the database at dbPath and applies the schema.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	dsn := dbPath + "?_time_format=sqlite"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes read-modify-write transactions and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	o := buildOptions(opts)
	s := &SQLite{db: db, clock: newClock(o.now)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		patient_info TEXT NOT NULL,
		vitals TEXT NOT NULL,
		expected_findings TEXT NOT NULL DEFAULT '{}',
		available_tests TEXT NOT NULL DEFAULT '[]',
		correct_diagnosis TEXT NOT NULL DEFAULT '',
		differential_diagnoses TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		case_id TEXT NOT NULL,
		current_stage TEXT NOT NULL DEFAULT 'history',
		time_started DATETIME NOT NULL,
		time_remaining INTEGER NOT NULL DEFAULT 1800,
		physical_findings TEXT NOT NULL DEFAULT '{}',
		selected_diagnosis TEXT,
		diagnosis_reasoning TEXT,
		treatment_plan TEXT NOT NULL DEFAULT '{}',
		score INTEGER,
		completed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (case_id) REFERENCES cases(id)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id);

	CREATE TABLE IF NOT EXISTS test_orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		test_name TEXT NOT NULL,
		test_category TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		order_time DATETIME NOT NULL,
		result_time DATETIME,
		result TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_test_orders_session ON test_orders(session_id);

	CREATE TABLE IF NOT EXISTS users (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func marshalColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const caseColumns = `id, title, description, patient_info, vitals, expected_findings, available_tests,
	correct_diagnosis, differential_diagnoses, created_at`

func scanCase(row scanner) (model.Case, error) {
	var c model.Case
	var patientInfo, vitals, findings, tests, differentials string
	err := row.Scan(&c.ID, &c.Title, &c.Description, &patientInfo, &vitals, &findings, &tests,
		&c.CorrectDiagnosis, &differentials, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	for _, col := range []struct {
		raw  string
		into any
	}{
		{patientInfo, &c.PatientInfo},
		{vitals, &c.Vitals},
		{findings, &c.ExpectedFindings},
		{tests, &c.AvailableTests},
		{differentials, &c.DifferentialDiagnoses},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.into); err != nil {
			return c, fmt.Errorf("decode case %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// ListCases returns all cases in creation order.
func (s *SQLite) ListCases(ctx context.Context) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cases := []model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// GetCase returns a case by id.
func (s *SQLite) GetCase(ctx context.Context, id string) (model.Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	return c, err
}

// CreateCase stores a case and assigns its id and creation time.
func (s *SQLite) CreateCase(ctx context.Context, c model.Case) (model.Case, error) {
	c = c.Clone()
	c.ID = uuid.NewString()
	c.CreatedAt = s.clock.Now()

	cols := make([]string, 0, 5)
	for _, v := range []any{c.PatientInfo, c.Vitals, c.ExpectedFindings, c.AvailableTests, c.DifferentialDiagnoses} {
		raw, err := marshalColumn(v)
		if err != nil {
			return model.Case{}, fmt.Errorf("encode case: %w", err)
		}
		cols = append(cols, raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, cols[0], cols[1], cols[2], cols[3],
		c.CorrectDiagnosis, cols[4], c.CreatedAt,
	)
	if err != nil {
		return model.Case{}, err
	}
	return c, nil
}

// CaseCount returns the number of stored cases.
func (s *SQLite) CaseCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&count)
	return count, err
}

const sessionColumns = `id, case_id, current_stage, time_started, time_remaining, physical_findings,
	selected_diagnosis, diagnosis_reasoning, treatment_plan, score, completed`

func scanSession(row scanner) (model.Session, error) {
	var sess model.Session
	var findings, plan string
	err := row.Scan(&sess.ID, &sess.CaseID, &sess.CurrentStage, &sess.TimeStarted, &sess.TimeRemaining,
		&findings, &sess.SelectedDiagnosis, &sess.DiagnosisReasoning, &plan, &sess.Score, &sess.Completed)
	if err != nil {
		return sess, err
	}
	if err := json.Unmarshal([]byte(findings), &sess.PhysicalFindings); err != nil {
		return sess, fmt.Errorf("decode physical findings of %s: %w", sess.ID, err)
	}
	if sess.PhysicalFindings == nil {
		sess.PhysicalFindings = map[string]model.PhysicalFinding{}
	}
	if err := json.Unmarshal([]byte(plan), &sess.TreatmentPlan); err != nil {
		return sess, fmt.Errorf("decode treatment plan of %s: %w", sess.ID, err)
	}
	return sess, nil
}

// CreateSession stores a new session with empty findings and treatment plan.
func (s *SQLite) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	sess = newSession(sess, uuid.NewString(), s.clock.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, '{}', ?, ?, '{}', ?, ?)`,
		sess.ID, sess.CaseID, sess.CurrentStage, sess.TimeStarted, sess.TimeRemaining,
		sess.SelectedDiagnosis, sess.DiagnosisReasoning, sess.Score, sess.Completed,
	)
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *SQLite) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns all sessions in creation order.
func (s *SQLite) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions := []model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession shallow-merges p into the stored session.
func (s *SQLite) UpdateSession(ctx context.Context, id string, p model.SessionPatch) (model.Session, error) {
	return s.MutateSession(ctx, id, func(sess *model.Session) error {
		p.Apply(sess)
		return nil
	})
}

// MutateSession applies fn inside a transaction.
func (s *SQLite) MutateSession(ctx context.Context, id string, fn func(*model.Session) error) (model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, err
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Session{}, err
	}
	if err := fn(&sess); err != nil {
		return model.Session{}, err
	}
	sess.ID = id

	findings, err := marshalColumn(sess.PhysicalFindings)
	if err != nil {
		return model.Session{}, fmt.Errorf("encode physical findings: %w", err)
	}
	plan, err := marshalColumn(sess.TreatmentPlan)
	if err != nil {
		return model.Session{}, fmt.Errorf("encode treatment plan: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET current_stage = ?, time_remaining = ?, physical_findings = ?,
		 selected_diagnosis = ?, diagnosis_reasoning = ?, treatment_plan = ?, score = ?, completed = ?
		 WHERE id = ?`,
		sess.CurrentStage, sess.TimeRemaining, findings, sess.SelectedDiagnosis, sess.DiagnosisReasoning,
		plan, sess.Score, sess.Completed, id,
	)
	if err != nil {
		return model.Session{}, err
	}
	return sess, tx.Commit()
}

// AddChatMessage stores a message and assigns its id and timestamp.
func (s *SQLite) AddChatMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	msg.ID = uuid.NewString()
	msg.Timestamp = s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, sender, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Message, msg.Timestamp,
	)
	if err != nil {
		return model.ChatMessage{}, err
	}
	return msg, nil
}

// GetChatHistory returns the session's messages by ascending timestamp.
func (s *SQLite) GetChatHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, message, timestamp FROM chat_messages
		 WHERE session_id = ? ORDER BY timestamp, seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

const orderColumns = `id, session_id, test_name, test_category, status, order_time, result_time, result`

func scanOrder(row scanner) (model.TestOrder, error) {
	var o model.TestOrder
	var result *string
	err := row.Scan(&o.ID, &o.SessionID, &o.TestName, &o.TestCategory, &o.Status, &o.OrderTime, &o.ResultTime, &result)
	if err != nil {
		return o, err
	}
	if result != nil {
		o.Result = json.RawMessage(*result)
	}
	return o, nil
}

// CreateTestOrder stores an order with no result yet.
func (s *SQLite) CreateTestOrder(ctx context.Context, o model.TestOrder) (model.TestOrder, error) {
	o.ID = uuid.NewString()
	o.OrderTime = s.clock.Now()
	o.ResultTime = nil
	o.Result = nil
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		o.ID, o.SessionID, o.TestName, o.TestCategory, o.Status, o.OrderTime,
	)
	if err != nil {
		return model.TestOrder{}, err
	}
	return o, nil
}

// GetTestOrders returns the session's orders by ascending order time.
func (s *SQLite) GetTestOrders(ctx context.Context, sessionID string) ([]model.TestOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM test_orders WHERE session_id = ? ORDER BY order_time, seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []model.TestOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateTestOrder shallow-merges p into the stored order.
func (s *SQLite) UpdateTestOrder(ctx context.Context, id string, p model.TestOrderPatch) (model.TestOrder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TestOrder{}, err
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM test_orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestOrder{}, fmt.Errorf("test order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.TestOrder{}, err
	}
	p.Apply(&o)

	var result *string
	if o.Result != nil {
		r := string(o.Result)
		result = &r
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE test_orders SET status = ?, result_time = ?, result = ? WHERE id = ?`,
		o.Status, o.ResultTime, result, id,
	)
	if err != nil {
		return model.TestOrder{}, err
	}
	return o, tx.Commit()
}

var _ Store = (*SQLite)(nil)
