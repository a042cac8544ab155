package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/session"
	"github.com/pavelanni/osce/internal/store"
)

type stubGenerator struct{}

func (stubGenerator) PatientResponse(_ context.Context, _ model.PatientInfo, _ []model.ChatMessage, _ string) model.PatientReply {
	return model.PatientReply{Message: "It started two days ago.", Emotion: model.EmotionWorried}
}

func (stubGenerator) PhysicalFinding(_ context.Context, bodyPart, _ string, _ model.Case) string {
	if bodyPart == "abdomen" {
		return "RUQ tenderness"
	}
	return "Clear breath sounds bilaterally"
}

func (stubGenerator) TestResult(_ context.Context, testName string, _ model.Case) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"test":%q,"value":"within normal limits"}`, testName))
}

type testServer struct {
	*httptest.Server
	caseID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	svc, err := session.New(st, stubGenerator{}, model.SimConfig{})
	require.NoError(t, err)
	c, err := svc.CreateCase(context.Background(), store.SampleCases()[0])
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(svc, st).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, caseID: c.ID}
}

// do sends a JSON request and decodes the response body into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) startSession(t *testing.T) model.Session {
	t.Helper()
	var sess model.Session
	status := s.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"caseId":        s.caseID,
		"currentStage":  "history",
		"timeRemaining": 1800,
	}, &sess)
	require.Equal(t, http.StatusCreated, status)
	return sess
}

func TestCases(t *testing.T) {
	s := newTestServer(t)

	var cases []model.Case
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/cases", nil, &cases))
	require.Len(t, cases, 1)
	assert.Equal(t, "Chest Pain", cases[0].Title)

	var c model.Case
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/cases/"+s.caseID, nil, &c))
	assert.Equal(t, s.caseID, c.ID)

	var e errorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/cases/missing", nil, &e))
	assert.Equal(t, "Case not found", e.Message)
}

func TestCreateCase(t *testing.T) {
	s := newTestServer(t)

	c := store.SampleCases()[0]
	c.Title = "Abdominal Pain"
	var created model.Case
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/cases", c, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Abdominal Pain", created.Title)

	c.Title = ""
	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/cases", c, &e))
	assert.Contains(t, e.Message, "title")
}

func TestChatScenario(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)
	assert.Equal(t, 1800, sess.TimeRemaining)
	assert.False(t, sess.Completed)
	assert.Equal(t, model.StageHistory, sess.CurrentStage)

	var res session.ChatResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/chat",
		map[string]string{"message": "Where does it hurt?"}, &res))
	assert.Equal(t, "Where does it hurt?", res.StudentMessage)
	assert.NotEmpty(t, res.PatientResponse.Message)
	assert.Equal(t, model.SenderPatient, res.PatientResponse.Sender)
	assert.Equal(t, model.EmotionWorried, res.Emotion)

	var history []model.ChatMessage
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/chat", nil, &history))
	require.Len(t, history, 2)
	assert.Equal(t, model.SenderStudent, history[0].Sender)
	assert.Equal(t, "Where does it hurt?", history[0].Message)
	assert.Equal(t, model.SenderPatient, history[1].Sender)
}

func TestTestOrderScenario(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)
	base := "/api/sessions/" + sess.ID + "/tests"

	var orders []model.TestOrder
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, base,
		map[string][]string{"tests": {"CBC", "Troponin I"}}, &orders))
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, model.TestProcessing, o.Status)
		assert.Equal(t, model.DefaultTestCategory, o.TestCategory)
	}

	var result session.TestResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/"+orders[0].ID+"/result", nil, &result))
	assert.Equal(t, "CBC", result.TestName)
	assert.JSONEq(t, `{"test":"CBC","value":"within normal limits"}`, string(result.Result))

	var listed []model.TestOrder
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base, nil, &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, model.TestCompleted, listed[0].Status)
	assert.NotNil(t, listed[0].ResultTime)
	assert.Equal(t, model.TestProcessing, listed[1].Status)
	assert.Nil(t, listed[1].ResultTime)

	var e errorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/missing/result", nil, &e))
	assert.Equal(t, "Test order not found", e.Message)
}

func TestOrderTestsValidation(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)
	path := "/api/sessions/" + sess.ID + "/tests"

	tests := []struct {
		name string
		body string
	}{
		{"missing tests", `{}`},
		{"empty tests", `{"tests":[]}`},
		{"blank name", `{"tests":["CBC",""]}`},
		{"malformed body", `{"tests":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, tt.body, nil))
		})
	}

	var listed []model.TestOrder
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, &listed))
	assert.Empty(t, listed)
}

func TestExamine(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)

	var res session.ExamResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/examine",
		map[string]string{"bodyPart": "abdomen", "examinationType": "palpation"}, &res))
	assert.Equal(t, "RUQ tenderness", res.Finding)
	assert.Equal(t, "abdomen", res.BodyPart)
	assert.Equal(t, "palpation", res.ExaminationType)

	var got model.Session
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got))
	f, ok := got.PhysicalFindings["abdomen_palpation"]
	require.True(t, ok)
	assert.False(t, f.Normal)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/examine",
		map[string]string{"bodyPart": "chest"}, nil))
}

func TestEmptyCollections(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)

	for _, path := range []string{"/chat", "/tests"} {
		resp, err := s.Client().Get(s.URL + "/api/sessions/" + sess.ID + path)
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "[]", string(bytes.TrimSpace(buf.Bytes())), path)
	}
}

func TestSessionNotFound(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/sessions/missing", nil},
		{http.MethodPatch, "/api/sessions/missing", map[string]int{"timeRemaining": 10}},
		{http.MethodPost, "/api/sessions/missing/chat", map[string]string{"message": "hi"}},
		{http.MethodGet, "/api/sessions/missing/chat", nil},
		{http.MethodPost, "/api/sessions/missing/examine", map[string]string{"bodyPart": "chest", "examinationType": "auscultation"}},
		{http.MethodPost, "/api/sessions/missing/tests", map[string][]string{"tests": {"CBC"}}},
		{http.MethodGet, "/api/sessions/missing/tests", nil},
		{http.MethodGet, "/api/sessions/missing/tests/x/result", nil},
		{http.MethodPost, "/api/sessions/missing/diagnosis", map[string]string{"diagnosis": "GERD"}},
		{http.MethodPost, "/api/sessions/missing/pause", map[string]int{"timeRemaining": 10}},
		{http.MethodPost, "/api/sessions/missing/stage", map[string]string{"stage": "tests"}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var e errorResponse
			assert.Equal(t, http.StatusNotFound, s.do(t, tt.method, tt.path, tt.body, &e))
			assert.Equal(t, "Session not found", e.Message)
		})
	}
}

func TestStartSessionValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing case", `{"timeRemaining":1800}`},
		{"unknown case", `{"caseId":"nope"}`},
		{"unknown stage", fmt.Sprintf(`{"caseId":%q,"currentStage":"surgery"}`, s.caseID)},
		{"negative timer", fmt.Sprintf(`{"caseId":%q,"timeRemaining":-1}`, s.caseID)},
		{"not json", `caseId=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorResponse
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/sessions", tt.body, &e))
			assert.NotEmpty(t, e.Message)
		})
	}

	var sess model.Session
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/sessions", map[string]string{"caseId": s.caseID}, &sess))
	assert.Equal(t, model.DefaultTimeRemaining, sess.TimeRemaining)
	assert.Equal(t, model.StageHistory, sess.CurrentStage)
}

func TestPatchSession(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)

	var got model.Session
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/api/sessions/"+sess.ID,
		map[string]any{"timeRemaining": 900, "currentStage": "physical"}, &got))
	assert.Equal(t, 900, got.TimeRemaining)
	assert.Equal(t, model.StagePhysical, got.CurrentStage)
	assert.Equal(t, sess.CaseID, got.CaseID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, "/api/sessions/"+sess.ID,
		map[string]any{"currentStage": "surgery"}, nil))
}

func TestNamedOperations(t *testing.T) {
	s := newTestServer(t)
	sess := s.startSession(t)
	base := "/api/sessions/" + sess.ID

	var got model.Session
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/stage", map[string]string{"stage": "diagnosis"}, &got))
	assert.Equal(t, model.StageDiagnosis, got.CurrentStage)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/pause", map[string]int{"timeRemaining": 0}, &got))
	assert.Equal(t, 0, got.TimeRemaining)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/diagnosis",
		map[string]string{"diagnosis": "Acute Cholecystitis", "reasoning": "RUQ tenderness"}, &got))
	require.NotNil(t, got.SelectedDiagnosis)
	assert.Equal(t, "Acute Cholecystitis", *got.SelectedDiagnosis)
	assert.Equal(t, model.StageTreatment, got.CurrentStage)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/treatment", map[string]any{
		"medications":  []string{"Ceftriaxone 1 g IV"},
		"instructions": "NPO, surgical consult",
	}, &got))
	assert.True(t, got.Completed)
	assert.True(t, got.TreatmentPlan.Completed)
	assert.Equal(t, []string{"Ceftriaxone 1 g IV"}, got.TreatmentPlan.Medications)

	var raw struct {
		TreatmentPlan map[string]any `json:"treatmentPlan"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base, nil, &raw))
	assert.Equal(t, []any{}, raw.TreatmentPlan["lifestyle"])
	assert.Equal(t, "", raw.TreatmentPlan["followUp"])

	invalid := []struct {
		path string
		body string
	}{
		{"/stage", `{"stage":"surgery"}`},
		{"/stage", `{}`},
		{"/pause", `{"timeRemaining":-5}`},
		{"/pause", `{}`},
		{"/diagnosis", `{"reasoning":"no diagnosis"}`},
		{"/treatment", `{}`},
	}
	for _, tt := range invalid {
		t.Run(tt.path+" "+tt.body, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, base+tt.path, tt.body, nil))
		})
	}
}

func TestUsers(t *testing.T) {
	s := newTestServer(t)
	creds := map[string]string{"username": "student1", "password": "s3cret-pass"}

	var u userResponse
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/users", creds, &u))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "student1", u.Username)

	var e errorResponse
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/users", creds, &e))
	assert.Equal(t, "Username already exists", e.Message)

	var logged userResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/login", creds, &logged))
	assert.Equal(t, u, logged)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/login",
		map[string]string{"username": "student1", "password": "wrong-pass"}, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/login",
		map[string]string{"username": "nobody", "password": "whatever"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/users",
		map[string]string{"username": "student2", "password": "short"}, nil))
}

func TestLocalizedErrors(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/cases/missing", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ru")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Клинический случай не найден", e.Message)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
}
