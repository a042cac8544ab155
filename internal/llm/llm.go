// Package llm generates patient replies, examination findings and test results
// with an OpenAI-compatible chat completion API.
//
// Generation failures never leave this package: every operation returns its
// fixed fallback value instead of an error.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pavelanni/osce/internal/llm/prompts"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// Fallback values returned when generation fails.
const (
	FallbackPatientMessage = "I'm having trouble speaking right now. Could you try again?"
	FallbackFinding        = "Unable to generate finding at this time"
)

// FallbackTestResult is returned when a test result cannot be generated.
var FallbackTestResult = json.RawMessage(`{"result":"Test result unavailable","status":"error"}`)

// Defaults applied to successful but empty generations.
const (
	defaultPatientMessage = "I'm not sure what you mean."
	defaultFinding        = "Normal findings"
)

// Operation names used in logs and metrics.
const (
	opPatientResponse = "patient_response"
	opPhysicalFinding = "physical_finding"
	opTestResult      = "test_result"
)

const (
	patientMaxTokens    = 200
	findingMaxTokens    = 100
	testResultMaxTokens = 150
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds each generation call, including the rate limiter wait.
	Timeout time.Duration
	// RPS limits calls per second. Zero or less disables limiting.
	RPS     float64
	Metrics *metrics.Metrics
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	timeout  time.Duration
	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker // keyed by operation
	metrics  *metrics.Metrics
}

// New creates a new LLM client and loads the prompt templates.
func New(cfg Config) (*Client, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, 3)
	for _, op := range []string{opPatientResponse, opPhysicalFinding, opTestResult} {
		breakers[op] = newBreaker(op)
	}

	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		limiter:  rate.NewLimiter(limit, 1),
		breakers: breakers,
		metrics:  cfg.Metrics,
	}, nil
}

func newBreaker(op string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm_" + op,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A caller that went away says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// outcome is the internal tagged result of one generation: either the
// generated value or the fallback substituted for a failure.
type outcome[T any] struct {
	value    T
	fallback bool
	err      error
}

func ok[T any](v T) outcome[T] {
	return outcome[T]{value: v}
}

func fallback[T any](v T, err error) outcome[T] {
	return outcome[T]{value: v, fallback: true, err: err}
}

// settle logs and counts an outcome and returns its value.
func settle[T any](c *Client, op string, start time.Time, o outcome[T]) T {
	label := metrics.OutcomeOK
	if o.fallback {
		label = metrics.OutcomeFallback
		slog.Error("generation failed, using fallback", "operation", op, "error", o.err)
	}
	c.metrics.ObserveGenerator(op, label, time.Since(start))
	return o.value
}

// complete runs one chat completion under the timeout, rate limiter and the
// circuit breaker of op.
func (c *Client) complete(ctx context.Context, op string, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	req.Model = c.model
	res, err := c.breakers[op].Execute(func() (interface{}, error) {
		return c.api.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	resp := res.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return raw, nil
}

// PatientResponse generates the patient's reply to studentMessage. history holds
// the earlier turns of the conversation, oldest first.
func (c *Client) PatientResponse(ctx context.Context, info model.PatientInfo, history []model.ChatMessage, studentMessage string) model.PatientReply {
	start := time.Now()
	return settle(c, opPatientResponse, start, c.patientResponse(ctx, info, history, studentMessage))
}

func (c *Client) patientResponse(ctx context.Context, info model.PatientInfo, history []model.ChatMessage, studentMessage string) outcome[model.PatientReply] {
	fb := model.PatientReply{Message: FallbackPatientMessage, Emotion: model.EmotionNeutral}

	systemPrompt, err := prompts.BuildPatientPrompt(info)
	if err != nil {
		return fallback(fb, fmt.Errorf("build prompt: %w", err))
	}

	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		content := prompts.WrapStudentMessage(m.Message)
		if m.Sender == model.SenderPatient {
			role = openai.ChatMessageRoleAssistant
			content = m.Message
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompts.WrapStudentMessage(studentMessage),
	})

	raw, err := c.complete(ctx, opPatientResponse, openai.ChatCompletionRequest{
		Messages: chatMsgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxCompletionTokens: patientMaxTokens,
	})
	if err != nil {
		return fallback(fb, err)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var reply model.PatientReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return fallback(fb, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw))
	}
	reply.Message = strings.TrimSpace(reply.Message)
	if reply.Message == "" {
		reply.Message = defaultPatientMessage
	}
	if !reply.Emotion.Valid() {
		reply.Emotion = model.EmotionNeutral
	}
	return ok(reply)
}

// PhysicalFinding generates the finding of one examination action on case pc.
func (c *Client) PhysicalFinding(ctx context.Context, bodyPart, examinationType string, pc model.Case) string {
	start := time.Now()
	return settle(c, opPhysicalFinding, start, c.physicalFinding(ctx, bodyPart, examinationType, pc))
}

func (c *Client) physicalFinding(ctx context.Context, bodyPart, examinationType string, pc model.Case) outcome[string] {
	prompt, err := prompts.BuildFindingPrompt(bodyPart, examinationType, pc)
	if err != nil {
		return fallback(FallbackFinding, fmt.Errorf("build prompt: %w", err))
	}

	raw, err := c.complete(ctx, opPhysicalFinding, openai.ChatCompletionRequest{
		Messages:            []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxCompletionTokens: findingMaxTokens,
	})
	if err != nil {
		return fallback(FallbackFinding, err)
	}
	finding := strings.TrimSpace(raw)
	if finding == "" {
		finding = defaultFinding
	}
	return ok(finding)
}

// TestResult generates a structured result payload for testName on case pc.
func (c *Client) TestResult(ctx context.Context, testName string, pc model.Case) json.RawMessage {
	start := time.Now()
	return settle(c, opTestResult, start, c.testResult(ctx, testName, pc))
}

func (c *Client) testResult(ctx context.Context, testName string, pc model.Case) outcome[json.RawMessage] {
	fb := append(json.RawMessage(nil), FallbackTestResult...)

	prompt, err := prompts.BuildTestResultPrompt(testName, pc)
	if err != nil {
		return fallback(fb, fmt.Errorf("build prompt: %w", err))
	}

	raw, err := c.complete(ctx, opTestResult, openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxCompletionTokens: testResultMaxTokens,
	})
	if err != nil {
		return fallback(fb, err)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ok(json.RawMessage(`{}`))
	}
	// Results must be JSON objects; bare strings, numbers and arrays are rejected.
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return fallback(fb, fmt.Errorf("parse LLM response: not a JSON object (raw: %s)", raw))
	}
	return ok(json.RawMessage(raw))
}

// Ping checks that the endpoint answers a model listing request.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
