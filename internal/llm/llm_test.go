package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// fakeAPI is an OpenAI-compatible endpoint that answers every chat completion
// with a fixed content string and records the requests it received.
type fakeAPI struct {
	mu       sync.Mutex
	content  string
	status   int
	requests []openai.ChatCompletionRequest

	// rejectJSONMode answers 400 to requests that ask for a JSON response format.
	rejectJSONMode bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/models" {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"test-model","object":"model"}]}`))
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	status, content := f.status, f.content
	if f.rejectJSONMode && req.ResponseFormat != nil {
		status = http.StatusBadRequest
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		return
	}
	json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

func (f *fakeAPI) jsonModeRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.ResponseFormat != nil {
			n++
		}
	}
	return n
}

func (f *fakeAPI) lastRequest(t *testing.T) openai.ChatCompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, api http.Handler) (*Client, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return newClientForURL(t, srv.URL)
}

func newClientForURL(t *testing.T, url string) (*Client, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("osce_test")
	c, err := New(Config{
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 2 * time.Second,
		Metrics: m,
	})
	require.NoError(t, err)
	return c, m
}

// unreachableURL returns the address of a server that has already shut down.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func testCase() model.Case {
	return model.Case{
		Title: "Chest Pain",
		PatientInfo: model.PatientInfo{
			Name:           "Sarah Johnson",
			Age:            45,
			Gender:         "Female",
			ChiefComplaint: "Chest pain for 2 days",
		},
		AvailableTests: []model.AvailableTest{{Name: "Troponin I", Category: "Cardiac Markers"}},
	}
}

func TestPatientResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    model.PatientReply
	}{
		{
			name:    "valid reply",
			content: `{"message":"It hurts right here.","emotion":"pain","additionalInfo":"points to chest"}`,
			want:    model.PatientReply{Message: "It hurts right here.", Emotion: model.EmotionPain, AdditionalInfo: "points to chest"},
		},
		{
			name:    "unknown emotion becomes neutral",
			content: `{"message":"Hello doctor.","emotion":"angry"}`,
			want:    model.PatientReply{Message: "Hello doctor.", Emotion: model.EmotionNeutral},
		},
		{
			name:    "empty object gets defaults",
			content: `{}`,
			want:    model.PatientReply{Message: "I'm not sure what you mean.", Emotion: model.EmotionNeutral},
		},
		{
			name:    "empty content gets defaults",
			content: "",
			want:    model.PatientReply{Message: "I'm not sure what you mean.", Emotion: model.EmotionNeutral},
		},
		{
			name:    "malformed JSON falls back",
			content: `not json`,
			want:    model.PatientReply{Message: FallbackPatientMessage, Emotion: model.EmotionNeutral},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{content: tt.content}
			c, _ := newTestClient(t, api)

			got := c.PatientResponse(context.Background(), testCase().PatientInfo, nil, "Where does it hurt?")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatientResponseConversation(t *testing.T) {
	api := &fakeAPI{content: `{"message":"Two days ago.","emotion":"worried"}`}
	c, _ := newTestClient(t, api)

	history := []model.ChatMessage{
		{Sender: model.SenderStudent, Message: "Hello"},
		{Sender: model.SenderPatient, Message: "Hi doctor"},
	}
	c.PatientResponse(context.Background(), testCase().PatientInfo, history, "When did it start?")

	req := api.lastRequest(t)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 200, req.MaxCompletionTokens)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)

	require.Len(t, req.Messages, 4)
	roles := []string{req.Messages[0].Role, req.Messages[1].Role, req.Messages[2].Role, req.Messages[3].Role}
	assert.Equal(t, []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleUser,
	}, roles)
	assert.Contains(t, req.Messages[0].Content, "Sarah Johnson")
	assert.Contains(t, req.Messages[1].Content, "Hello")
	assert.Equal(t, "Hi doctor", req.Messages[2].Content)
	assert.Contains(t, req.Messages[3].Content, "When did it start?")
}

func TestPhysicalFinding(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"finding text", "  Clear breath sounds bilaterally.\n", "Clear breath sounds bilaterally."},
		{"empty finding", "", "Normal findings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{content: tt.content}
			c, _ := newTestClient(t, api)

			got := c.PhysicalFinding(context.Background(), "chest", "auscultation", testCase())
			assert.Equal(t, tt.want, got)

			req := api.lastRequest(t)
			assert.Equal(t, 100, req.MaxCompletionTokens)
			require.Len(t, req.Messages, 1)
			assert.Contains(t, req.Messages[0].Content, "auscultation")
		})
	}
}

func TestTestResult(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"json result", `{"value":"0.02 ng/mL","reference":"<0.04"}`, `{"value":"0.02 ng/mL","reference":"<0.04"}`},
		{"empty result", "", `{}`},
		{"invalid JSON falls back", `{"value":`, string(FallbackTestResult)},
		{"bare string falls back", `"just a string"`, string(FallbackTestResult)},
		{"array falls back", `[{"value":"1"}]`, string(FallbackTestResult)},
		{"null falls back", `null`, string(FallbackTestResult)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{content: tt.content}
			c, _ := newTestClient(t, api)

			got := c.TestResult(context.Background(), "Troponin I", testCase())
			assert.JSONEq(t, tt.want, string(got))

			req := api.lastRequest(t)
			assert.Equal(t, 150, req.MaxCompletionTokens)
			assert.Contains(t, req.Messages[0].Content, "Troponin I")
		})
	}
}

func TestFallbackWhenUnreachable(t *testing.T) {
	c, m := newClientForURL(t, unreachableURL(t))
	ctx := context.Background()

	// Repeat past the breaker threshold: an open breaker yields the same fallbacks.
	for range 7 {
		reply := c.PatientResponse(ctx, testCase().PatientInfo, nil, "Hello")
		assert.Equal(t, "I'm having trouble speaking right now. Could you try again?", reply.Message)
		assert.Equal(t, model.EmotionNeutral, reply.Emotion)
		assert.Empty(t, reply.AdditionalInfo)

		assert.Equal(t, "Unable to generate finding at this time", c.PhysicalFinding(ctx, "chest", "palpation", testCase()))

		result := c.TestResult(ctx, "CBC", testCase())
		assert.JSONEq(t, `{"result":"Test result unavailable","status":"error"}`, string(result))
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `osce_test_generator_calls_total{operation="patient_response",outcome="fallback"} 7`)
}

func TestBreakerPerOperation(t *testing.T) {
	api := &fakeAPI{content: "Clear breath sounds bilaterally.", rejectJSONMode: true}
	c, _ := newTestClient(t, api)
	ctx := context.Background()

	for range 6 {
		reply := c.PatientResponse(ctx, testCase().PatientInfo, nil, "Hello")
		assert.Equal(t, FallbackPatientMessage, reply.Message)
	}
	// The sixth call is short-circuited by the open patient breaker.
	assert.Equal(t, 5, api.jsonModeRequests())

	assert.Equal(t, "Clear breath sounds bilaterally.", c.PhysicalFinding(ctx, "chest", "auscultation", testCase()))
}

func TestCanceledCallsDoNotTripBreaker(t *testing.T) {
	var block atomic.Bool
	block.Store(true)
	arrived := make(chan struct{}, 1)
	api := &fakeAPI{content: `{"message":"Better now.","emotion":"relieved"}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if block.Load() {
			arrived <- struct{}{}
			<-r.Context().Done()
			return
		}
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, _ := newClientForURL(t, srv.URL)

	for range 6 {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-arrived
			cancel()
		}()
		reply := c.PatientResponse(ctx, testCase().PatientInfo, nil, "Hello")
		assert.Equal(t, FallbackPatientMessage, reply.Message)
		cancel()
	}

	block.Store(false)
	reply := c.PatientResponse(context.Background(), testCase().PatientInfo, nil, "Hello")
	assert.Equal(t, "Better now.", reply.Message)
	assert.Equal(t, model.EmotionRelieved, reply.Emotion)
}

func TestFallbackOnServerError(t *testing.T) {
	api := &fakeAPI{status: http.StatusInternalServerError}
	c, _ := newTestClient(t, api)

	got := c.PhysicalFinding(context.Background(), "abdomen", "palpation", testCase())
	assert.Equal(t, FallbackFinding, got)
}

func TestFallbackOnTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Model: "test-model", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	reply := c.PatientResponse(context.Background(), testCase().PatientInfo, nil, "Hello")
	assert.Equal(t, FallbackPatientMessage, reply.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFallbackDoesNotAlias(t *testing.T) {
	c, _ := newClientForURL(t, unreachableURL(t))
	got := c.TestResult(context.Background(), "CBC", testCase())
	got[0] = '['
	assert.True(t, strings.HasPrefix(string(FallbackTestResult), "{"))
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, &fakeAPI{})
	assert.NoError(t, c.Ping(context.Background()))

	down, _ := newClientForURL(t, unreachableURL(t))
	assert.Error(t, down.Ping(context.Background()))
}
