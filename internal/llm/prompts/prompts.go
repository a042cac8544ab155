package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/osce/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.tmpl
var Templates embed.FS

var (
	studentMessageRegex     = regexp.MustCompile(`(?i)</?\s*student-message\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const (
	maxMessageRunes = 10000
	maxFieldRunes   = 200
)

// Kind names a prompt template.
type Kind string

const (
	// KindPatient is the system prompt of the simulated patient.
	KindPatient Kind = "patient"
	// KindFinding asks for a physical examination finding.
	KindFinding Kind = "finding"
	// KindTestResult asks for a structured test result.
	KindTestResult Kind = "test_result"
)

var kinds = []Kind{KindPatient, KindFinding, KindTestResult}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Kind]*template.Template
)

// PatientData holds template data for the patient persona.
type PatientData struct {
	Name           string
	Age            int
	Gender         string
	ChiefComplaint string
}

// FindingData holds template data for finding prompts.
type FindingData struct {
	Age             int
	Gender          string
	ChiefComplaint  string
	BodyPart        string
	ExaminationType string
	Expected        []string
}

// TestResultData holds template data for test result prompts.
type TestResultData struct {
	TestName       string
	Category       string
	Age            int
	Gender         string
	ChiefComplaint string
}

// Load loads prompt templates from fsys. Templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		loaded := make(map[Kind]*template.Template, len(kinds))
		for _, k := range kinds {
			file := "templates/" + string(k) + ".tmpl"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(k)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			loaded[k] = tmpl
		}
		templates = loaded
	})
	return loadErr
}

func execute(k Kind, data any) (string, error) {
	if templates == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}
	var buf bytes.Buffer
	if err := templates[k].Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildPatientPrompt builds the patient persona system prompt.
func BuildPatientPrompt(info model.PatientInfo) (string, error) {
	return execute(KindPatient, PatientData{
		Name:           sanitizeField(info.Name),
		Age:            info.Age,
		Gender:         sanitizeField(info.Gender),
		ChiefComplaint: sanitizeField(info.ChiefComplaint),
	})
}

// BuildFindingPrompt builds the prompt for one examination action on case c.
func BuildFindingPrompt(bodyPart, examinationType string, c model.Case) (string, error) {
	var expected []string
	for _, system := range slices.Sorted(maps.Keys(c.ExpectedFindings)) {
		f := c.ExpectedFindings[system]
		state := "normal"
		if !f.Normal {
			state = "abnormal"
		}
		expected = append(expected, fmt.Sprintf("%s (%s): %s", system, state, f.Findings))
	}
	return execute(KindFinding, FindingData{
		Age:             c.PatientInfo.Age,
		Gender:          sanitizeField(c.PatientInfo.Gender),
		ChiefComplaint:  sanitizeField(c.PatientInfo.ChiefComplaint),
		BodyPart:        sanitizeField(bodyPart),
		ExaminationType: sanitizeField(examinationType),
		Expected:        expected,
	})
}

// BuildTestResultPrompt builds the prompt for the result of testName on case c.
func BuildTestResultPrompt(testName string, c model.Case) (string, error) {
	category, _ := c.TestCategory(testName)
	return execute(KindTestResult, TestResultData{
		TestName:       sanitizeField(testName),
		Category:       category,
		Age:            c.PatientInfo.Age,
		Gender:         sanitizeField(c.PatientInfo.Gender),
		ChiefComplaint: sanitizeField(c.PatientInfo.ChiefComplaint),
	})
}

// WrapStudentMessage sanitizes a student chat message and wraps it in delimiter tags.
func WrapStudentMessage(msg string) string {
	return "<student-message>\n" + SanitizeMessage(msg) + "\n</student-message>"
}

// SanitizeMessage strips delimiter tags and truncates overly long messages.
func SanitizeMessage(msg string) string {
	msg = studentMessageRegex.ReplaceAllString(msg, "")
	msg = systemInstructionsRegex.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(msg)

	if msg == "" {
		return "[No message provided]"
	}

	if utf8.RuneCountInString(msg) > maxMessageRunes {
		runes := []rune(msg)
		msg = string(runes[:maxMessageRunes]) + "\n\n[Message truncated due to length]"
	}
	return msg
}

func sanitizeField(s string) string {
	s = studentMessageRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes])
	}
	return s
}
