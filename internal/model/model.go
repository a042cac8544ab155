package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

const (
	// DefaultTimeRemaining is the session time budget in seconds.
	DefaultTimeRemaining = 1800
	// DefaultTestCategory is assigned to ordered tests when no category lookup applies.
	DefaultTestCategory = "General"
)

// Stage is one phase of the OSCE workflow.
type Stage string

const (
	StageHistory   Stage = "history"
	StagePhysical  Stage = "physical"
	StageTests     Stage = "tests"
	StageImaging   Stage = "imaging"
	StageDiagnosis Stage = "diagnosis"
	StageTreatment Stage = "treatment"
)

// Stages lists the stages in their canonical forward order.
var Stages = []Stage{StageHistory, StagePhysical, StageTests, StageImaging, StageDiagnosis, StageTreatment}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return slices.Contains(Stages, s)
}

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderStudent Sender = "student"
	SenderPatient Sender = "patient"
)

// TestStatus is the lifecycle state of a test order.
type TestStatus string

const (
	TestPending    TestStatus = "pending"
	TestProcessing TestStatus = "processing"
	TestCompleted  TestStatus = "completed"
)

// Probability is the likelihood tier of a differential diagnosis.
type Probability string

const (
	ProbabilityHigh   Probability = "high"
	ProbabilityMedium Probability = "medium"
	ProbabilityLow    Probability = "low"
)

// Emotion is the simulated patient's emotional state attached to a reply.
type Emotion string

const (
	EmotionNeutral  Emotion = "neutral"
	EmotionWorried  Emotion = "worried"
	EmotionRelieved Emotion = "relieved"
	EmotionAnxious  Emotion = "anxious"
	EmotionPain     Emotion = "pain"
)

// Valid reports whether e is one of the supported emotions.
func (e Emotion) Valid() bool {
	switch e {
	case EmotionNeutral, EmotionWorried, EmotionRelieved, EmotionAnxious, EmotionPain:
		return true
	}
	return false
}

// PatientInfo is the vignette shown to the student and used for the patient persona.
type PatientInfo struct {
	Name           string `json:"name" validate:"required"`
	Age            int    `json:"age" validate:"gte=0,lte=130"`
	Gender         string `json:"gender" validate:"required"`
	ChiefComplaint string `json:"chiefComplaint" validate:"required"`
	MRN            string `json:"mrn"`
	DOB            string `json:"dob"`
}

// Vitals are the patient's vital signs at presentation.
type Vitals struct {
	BP    string  `json:"bp"`
	HR    int     `json:"hr"`
	Temp  string  `json:"temp"`
	RR    int     `json:"rr"`
	O2Sat int     `json:"o2sat"`
	BMI   float64 `json:"bmi"`
}

// ExpectedFinding is the reference finding for one body system.
type ExpectedFinding struct {
	Normal   bool   `json:"normal"`
	Findings string `json:"findings"`
}

// AvailableTest is a test the student may order for a case.
// TurnaroundTime is in minutes and is advisory only.
type AvailableTest struct {
	Name           string `json:"name" validate:"required"`
	Category       string `json:"category"`
	TurnaroundTime int    `json:"turnaroundTime" validate:"gte=0"`
}

// Differential is a candidate diagnosis with a likelihood tier.
type Differential struct {
	Diagnosis   string      `json:"diagnosis" validate:"required"`
	ICD10       string      `json:"icd10"`
	Probability Probability `json:"probability" validate:"omitempty,oneof=high medium low"`
}

// Case is an immutable clinical scenario.
type Case struct {
	ID                    string                     `json:"id"`
	Title                 string                     `json:"title" validate:"required"`
	Description           string                     `json:"description"`
	PatientInfo           PatientInfo                `json:"patientInfo"`
	Vitals                Vitals                     `json:"vitals"`
	ExpectedFindings      map[string]ExpectedFinding `json:"expectedFindings"`
	AvailableTests        []AvailableTest            `json:"availableTests" validate:"dive"`
	CorrectDiagnosis      string                     `json:"correctDiagnosis"`
	DifferentialDiagnoses []Differential             `json:"differentialDiagnoses" validate:"dive"`
	CreatedAt             time.Time                  `json:"createdAt"`
}

// TestCategory returns the category of the named available test.
func (c Case) TestCategory(name string) (string, bool) {
	for _, t := range c.AvailableTests {
		if t.Name == name && t.Category != "" {
			return t.Category, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the case.
func (c Case) Clone() Case {
	c.ExpectedFindings = maps.Clone(c.ExpectedFindings)
	c.AvailableTests = slices.Clone(c.AvailableTests)
	c.DifferentialDiagnoses = slices.Clone(c.DifferentialDiagnoses)
	return c
}

// PhysicalFinding is the recorded result of one examination action.
type PhysicalFinding struct {
	Finding   string    `json:"finding"`
	Timestamp time.Time `json:"timestamp"`
	Normal    bool      `json:"normal"`
}

// FindingKey builds the physicalFindings key for a body part and examination type.
func FindingKey(bodyPart, examinationType string) string {
	return bodyPart + "_" + examinationType
}

// TreatmentPlan is the student's management plan. The zero value encodes as {};
// any other plan encodes every field, with empty lists as [].
type TreatmentPlan struct {
	Medications  []string `json:"medications"`
	Instructions string   `json:"instructions"`
	FollowUp     string   `json:"followUp"`
	Lifestyle    []string `json:"lifestyle"`
	Completed    bool     `json:"completed"`
}

// IsZero reports whether no field of the plan is set.
func (p TreatmentPlan) IsZero() bool {
	return len(p.Medications) == 0 && p.Instructions == "" && p.FollowUp == "" &&
		len(p.Lifestyle) == 0 && !p.Completed
}

// MarshalJSON implements json.Marshaler.
func (p TreatmentPlan) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("{}"), nil
	}
	type plan TreatmentPlan
	if p.Medications == nil {
		p.Medications = []string{}
	}
	if p.Lifestyle == nil {
		p.Lifestyle = []string{}
	}
	return json.Marshal(plan(p))
}

// Session is one student's attempt at a case.
type Session struct {
	ID                 string                     `json:"id"`
	CaseID             string                     `json:"caseId"`
	CurrentStage       Stage                      `json:"currentStage"`
	TimeStarted        time.Time                  `json:"timeStarted"`
	TimeRemaining      int                        `json:"timeRemaining"`
	PhysicalFindings   map[string]PhysicalFinding `json:"physicalFindings"`
	SelectedDiagnosis  *string                    `json:"selectedDiagnosis"`
	DiagnosisReasoning *string                    `json:"diagnosisReasoning"`
	TreatmentPlan      TreatmentPlan              `json:"treatmentPlan"`
	Score              *int                       `json:"score"`
	Completed          bool                       `json:"completed"`
}

// Clone returns a deep copy so callers never alias a stored session's maps.
func (s Session) Clone() Session {
	s.PhysicalFindings = maps.Clone(s.PhysicalFindings)
	if s.PhysicalFindings == nil {
		s.PhysicalFindings = map[string]PhysicalFinding{}
	}
	s.TreatmentPlan.Medications = slices.Clone(s.TreatmentPlan.Medications)
	s.TreatmentPlan.Lifestyle = slices.Clone(s.TreatmentPlan.Lifestyle)
	if s.SelectedDiagnosis != nil {
		v := *s.SelectedDiagnosis
		s.SelectedDiagnosis = &v
	}
	if s.DiagnosisReasoning != nil {
		v := *s.DiagnosisReasoning
		s.DiagnosisReasoning = &v
	}
	if s.Score != nil {
		v := *s.Score
		s.Score = &v
	}
	return s
}

// SessionPatch holds a partial set of session fields. Nil fields are left untouched.
// Apply is a shallow merge: a non-nil PhysicalFindings replaces the whole map.
type SessionPatch struct {
	CurrentStage       *Stage                     `json:"currentStage" validate:"omitempty,stage"`
	TimeRemaining      *int                       `json:"timeRemaining" validate:"omitempty,gte=0"`
	PhysicalFindings   map[string]PhysicalFinding `json:"physicalFindings"`
	SelectedDiagnosis  *string                    `json:"selectedDiagnosis"`
	DiagnosisReasoning *string                    `json:"diagnosisReasoning"`
	TreatmentPlan      *TreatmentPlan             `json:"treatmentPlan"`
	Score              *int                       `json:"score"`
	Completed          *bool                      `json:"completed"`
}

// Apply merges the patch into s.
func (p SessionPatch) Apply(s *Session) {
	if p.CurrentStage != nil {
		s.CurrentStage = *p.CurrentStage
	}
	if p.TimeRemaining != nil {
		s.TimeRemaining = *p.TimeRemaining
	}
	if p.PhysicalFindings != nil {
		s.PhysicalFindings = maps.Clone(p.PhysicalFindings)
	}
	if p.SelectedDiagnosis != nil {
		v := *p.SelectedDiagnosis
		s.SelectedDiagnosis = &v
	}
	if p.DiagnosisReasoning != nil {
		v := *p.DiagnosisReasoning
		s.DiagnosisReasoning = &v
	}
	if p.TreatmentPlan != nil {
		s.TreatmentPlan = *p.TreatmentPlan
	}
	if p.Score != nil {
		v := *p.Score
		s.Score = &v
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
}

// ChatMessage is one turn of the student/patient conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    Sender    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TestOrder is a requested lab or imaging test and its result.
type TestOrder struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	TestName     string          `json:"testName"`
	TestCategory string          `json:"testCategory"`
	Status       TestStatus      `json:"status"`
	OrderTime    time.Time       `json:"orderTime"`
	ResultTime   *time.Time      `json:"resultTime"`
	Result       json.RawMessage `json:"result"`
}

// TestOrderPatch holds a partial set of test order fields.
type TestOrderPatch struct {
	Status     *TestStatus
	ResultTime *time.Time
	Result     json.RawMessage
}

// Apply merges the patch into o.
func (p TestOrderPatch) Apply(o *TestOrder) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.ResultTime != nil {
		t := *p.ResultTime
		o.ResultTime = &t
	}
	if p.Result != nil {
		o.Result = slices.Clone(p.Result)
	}
}

// User is an account record. It is not linked to sessions.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PatientReply is the generated patient turn.
type PatientReply struct {
	Message        string  `json:"message"`
	Emotion        Emotion `json:"emotion"`
	AdditionalInfo string  `json:"additionalInfo,omitempty"`
}

// SimConfig holds runtime simulator parameters set via CLI flags.
type SimConfig struct {
	TimeBudget     int  // default timeRemaining for new sessions, in seconds
	CategoryLookup bool // look up ordered test categories in the case before falling back to "General"
}
