// Package session implements the OSCE session state machine: starting a case,
// talking to the patient, examining, ordering tests, and submitting the
// diagnosis and treatment plan.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/store"
)

const caseCacheSize = 128

// Generator produces AI content. Implementations absorb their own failures and
// always return a usable value.
type Generator interface {
	PatientResponse(ctx context.Context, info model.PatientInfo, history []model.ChatMessage, studentMessage string) model.PatientReply
	PhysicalFinding(ctx context.Context, bodyPart, examinationType string, c model.Case) string
	TestResult(ctx context.Context, testName string, c model.Case) json.RawMessage
}

// Service is the session orchestrator.
type Service struct {
	store store.Store
	gen   Generator
	cfg   model.SimConfig
	cases *lru.Cache[string, model.Case]
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for finding and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a session orchestrator.
func New(st store.Store, gen Generator, cfg model.SimConfig, opts ...Option) (*Service, error) {
	cases, err := lru.New[string, model.Case](caseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("case cache: %w", err)
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = model.DefaultTimeRemaining
	}
	s := &Service{store: st, gen: gen, cfg: cfg, cases: cases, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ListCases returns all cases.
func (s *Service) ListCases(ctx context.Context) ([]model.Case, error) {
	return s.store.ListCases(ctx)
}

// GetCase returns a case by id. Cases are immutable, so lookups are cached.
func (s *Service) GetCase(ctx context.Context, id string) (model.Case, error) {
	if c, ok := s.cases.Get(id); ok {
		return c.Clone(), nil
	}
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return model.Case{}, notFound(err, ErrCaseNotFound)
	}
	s.cases.Add(id, c.Clone())
	return c, nil
}

// CreateCase stores a new case.
func (s *Service) CreateCase(ctx context.Context, c model.Case) (model.Case, error) {
	created, err := s.store.CreateCase(ctx, c)
	if err != nil {
		return model.Case{}, err
	}
	s.cases.Add(created.ID, created.Clone())
	slog.Info("case created", "id", created.ID, "title", created.Title)
	return created, nil
}

// StartRequest holds the fields of a new session.
type StartRequest struct {
	CaseID        string       `json:"caseId" validate:"required"`
	CurrentStage  *model.Stage `json:"currentStage" validate:"omitempty,stage"`
	TimeRemaining *int         `json:"timeRemaining" validate:"omitempty,gte=0"`
}

// StartSession starts a session on an existing case. The stage defaults to
// history and the timer to the configured time budget.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (model.Session, error) {
	if _, err := s.GetCase(ctx, req.CaseID); err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			return model.Session{}, invalid("caseId", "unknown case "+req.CaseID)
		}
		return model.Session{}, err
	}

	sess := model.Session{
		CaseID:        req.CaseID,
		CurrentStage:  model.StageHistory,
		TimeRemaining: s.cfg.TimeBudget,
	}
	if req.CurrentStage != nil {
		if !req.CurrentStage.Valid() {
			return model.Session{}, invalid("currentStage", "unknown stage "+string(*req.CurrentStage))
		}
		sess.CurrentStage = *req.CurrentStage
	}
	if req.TimeRemaining != nil {
		if *req.TimeRemaining < 0 {
			return model.Session{}, invalid("timeRemaining", "must not be negative")
		}
		sess.TimeRemaining = *req.TimeRemaining
	}

	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		return model.Session{}, err
	}
	slog.Info("session started", "session_id", created.ID, "case_id", created.CaseID)
	return created, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, notFound(err, ErrSessionNotFound)
	}
	return sess, nil
}

// UpdateSession shallow-merges an arbitrary set of fields into the session.
func (s *Service) UpdateSession(ctx context.Context, id string, p model.SessionPatch) (model.Session, error) {
	sess, err := s.store.UpdateSession(ctx, id, p)
	if err != nil {
		return model.Session{}, notFound(err, ErrSessionNotFound)
	}
	return sess, nil
}

// sessionAndCase loads a session together with its case.
func (s *Service) sessionAndCase(ctx context.Context, id string) (model.Session, model.Case, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, model.Case{}, err
	}
	c, err := s.GetCase(ctx, sess.CaseID)
	if err != nil {
		return model.Session{}, model.Case{}, err
	}
	return sess, c, nil
}

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	StudentMessage  string            `json:"studentMessage"`
	PatientResponse model.ChatMessage `json:"patientResponse"`
	Emotion         model.Emotion     `json:"emotion"`
	AdditionalInfo  string            `json:"additionalInfo,omitempty"`
}

// SendChatMessage records the student's message, asks the generator for the
// patient's reply and records it. The student message is stored before the
// generator is called.
func (s *Service) SendChatMessage(ctx context.Context, id, text string) (ChatResult, error) {
	if strings.TrimSpace(text) == "" {
		return ChatResult{}, invalid("message", "must not be empty")
	}
	_, c, err := s.sessionAndCase(ctx, id)
	if err != nil {
		return ChatResult{}, err
	}

	student, err := s.store.AddChatMessage(ctx, model.ChatMessage{
		SessionID: id,
		Sender:    model.SenderStudent,
		Message:   text,
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("store student message: %w", err)
	}

	history, err := s.store.GetChatHistory(ctx, id)
	if err != nil {
		return ChatResult{}, fmt.Errorf("load chat history: %w", err)
	}
	// The new message is passed separately as the current turn.
	history = slices.DeleteFunc(history, func(m model.ChatMessage) bool { return m.ID == student.ID })

	reply := s.gen.PatientResponse(ctx, c.PatientInfo, history, text)

	patient, err := s.store.AddChatMessage(ctx, model.ChatMessage{
		SessionID: id,
		Sender:    model.SenderPatient,
		Message:   reply.Message,
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("store patient message: %w", err)
	}

	return ChatResult{
		StudentMessage:  student.Message,
		PatientResponse: patient,
		Emotion:         reply.Emotion,
		AdditionalInfo:  reply.AdditionalInfo,
	}, nil
}

// ChatHistory returns the session's conversation, oldest first.
func (s *Service) ChatHistory(ctx context.Context, id string) ([]model.ChatMessage, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetChatHistory(ctx, id)
}

// ExamResult is the outcome of one examination action.
type ExamResult struct {
	Finding         string `json:"finding"`
	BodyPart        string `json:"bodyPart"`
	ExaminationType string `json:"examinationType"`
}

// IsNormalFinding classifies a finding text: anything mentioning "abnormal" or
// "tender", in any case, is abnormal.
func IsNormalFinding(finding string) bool {
	lower := strings.ToLower(finding)
	return !strings.Contains(lower, "abnormal") && !strings.Contains(lower, "tender")
}

// PerformExamination generates the finding for bodyPart and examinationType and
// records it in the session under "<bodyPart>_<examinationType>", replacing any
// earlier finding for the same pair.
func (s *Service) PerformExamination(ctx context.Context, id, bodyPart, examinationType string) (ExamResult, error) {
	if strings.TrimSpace(bodyPart) == "" {
		return ExamResult{}, invalid("bodyPart", "must not be empty")
	}
	if strings.TrimSpace(examinationType) == "" {
		return ExamResult{}, invalid("examinationType", "must not be empty")
	}
	_, c, err := s.sessionAndCase(ctx, id)
	if err != nil {
		return ExamResult{}, err
	}

	finding := s.gen.PhysicalFinding(ctx, bodyPart, examinationType, c)
	recorded := model.PhysicalFinding{
		Finding:   finding,
		Timestamp: s.now().UTC(),
		Normal:    IsNormalFinding(finding),
	}

	key := model.FindingKey(bodyPart, examinationType)
	_, err = s.store.MutateSession(ctx, id, func(sess *model.Session) error {
		sess.PhysicalFindings[key] = recorded
		return nil
	})
	if err != nil {
		return ExamResult{}, notFound(err, ErrSessionNotFound)
	}

	return ExamResult{Finding: finding, BodyPart: bodyPart, ExaminationType: examinationType}, nil
}

// OrderTests creates one processing test order per name, in input order.
// Orders created before a failure stay stored.
func (s *Service) OrderTests(ctx context.Context, id string, testNames []string) ([]model.TestOrder, error) {
	if len(testNames) == 0 {
		return nil, invalid("tests", "at least one test is required")
	}
	for _, name := range testNames {
		if strings.TrimSpace(name) == "" {
			return nil, invalid("tests", "test names must not be empty")
		}
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	var c model.Case
	if s.cfg.CategoryLookup {
		if c, err = s.GetCase(ctx, sess.CaseID); err != nil {
			return nil, err
		}
	}

	orders := make([]model.TestOrder, 0, len(testNames))
	for _, name := range testNames {
		category := model.DefaultTestCategory
		if s.cfg.CategoryLookup {
			if cat, ok := c.TestCategory(name); ok {
				category = cat
			}
		}
		o, err := s.store.CreateTestOrder(ctx, model.TestOrder{
			SessionID:    id,
			TestName:     name,
			TestCategory: category,
			Status:       model.TestProcessing,
		})
		if err != nil {
			return orders, fmt.Errorf("create test order %q: %w", name, err)
		}
		orders = append(orders, o)
	}
	slog.Info("tests ordered", "session_id", id, "count", len(orders))
	return orders, nil
}

// TestOrders returns the session's test orders, oldest first.
func (s *Service) TestOrders(ctx context.Context, id string) ([]model.TestOrder, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetTestOrders(ctx, id)
}

// TestResult is the payload returned when a test result is fetched.
type TestResult struct {
	TestName string          `json:"testName"`
	Result   json.RawMessage `json:"result"`
}

// FetchTestResult generates the result of one test order and completes it.
// Other orders of the session are left untouched.
func (s *Service) FetchTestResult(ctx context.Context, id, testID string) (TestResult, error) {
	_, c, err := s.sessionAndCase(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	orders, err := s.store.GetTestOrders(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	idx := slices.IndexFunc(orders, func(o model.TestOrder) bool { return o.ID == testID })
	if idx < 0 {
		return TestResult{}, ErrTestOrderNotFound
	}
	order := orders[idx]

	result := s.gen.TestResult(ctx, order.TestName, c)

	status := model.TestCompleted
	now := s.now().UTC()
	if _, err := s.store.UpdateTestOrder(ctx, testID, model.TestOrderPatch{
		Status:     &status,
		ResultTime: &now,
		Result:     result,
	}); err != nil {
		return TestResult{}, notFound(err, ErrTestOrderNotFound)
	}
	return TestResult{TestName: order.TestName, Result: result}, nil
}

// SubmitDiagnosis records the diagnosis and moves the session to treatment,
// whatever stage it was in.
func (s *Service) SubmitDiagnosis(ctx context.Context, id, diagnosis, reasoning string) (model.Session, error) {
	if strings.TrimSpace(diagnosis) == "" {
		return model.Session{}, invalid("diagnosis", "must not be empty")
	}
	return s.mutate(ctx, id, func(sess *model.Session) error {
		sess.SelectedDiagnosis = &diagnosis
		sess.DiagnosisReasoning = &reasoning
		sess.CurrentStage = model.StageTreatment
		return nil
	})
}

// SubmitTreatmentPlan stores the plan and completes the session.
func (s *Service) SubmitTreatmentPlan(ctx context.Context, id string, plan model.TreatmentPlan) (model.Session, error) {
	if len(plan.Medications) == 0 && strings.TrimSpace(plan.Instructions) == "" &&
		strings.TrimSpace(plan.FollowUp) == "" && len(plan.Lifestyle) == 0 {
		return model.Session{}, invalid("treatmentPlan", "must not be empty")
	}
	plan.Completed = true
	return s.mutate(ctx, id, func(sess *model.Session) error {
		sess.TreatmentPlan = plan
		sess.Completed = true
		return nil
	})
}

// PauseTimer persists the time the client reports as remaining.
func (s *Service) PauseTimer(ctx context.Context, id string, timeRemaining int) (model.Session, error) {
	if timeRemaining < 0 {
		return model.Session{}, invalid("timeRemaining", "must not be negative")
	}
	return s.mutate(ctx, id, func(sess *model.Session) error {
		sess.TimeRemaining = timeRemaining
		return nil
	})
}

// AdvanceStage moves the session to stage. Any known stage is accepted.
func (s *Service) AdvanceStage(ctx context.Context, id string, stage model.Stage) (model.Session, error) {
	if !stage.Valid() {
		return model.Session{}, invalid("stage", "unknown stage "+string(stage))
	}
	return s.mutate(ctx, id, func(sess *model.Session) error {
		sess.CurrentStage = stage
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*model.Session) error) (model.Session, error) {
	sess, err := s.store.MutateSession(ctx, id, fn)
	if err != nil {
		return model.Session{}, notFound(err, ErrSessionNotFound)
	}
	return sess, nil
}
