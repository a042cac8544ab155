package model

import "time"

// SessionsExport is the top-level JSON structure written by the export command.
type SessionsExport struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Sessions   []SessionExport `json:"sessions"`
}

// SessionExport holds one session with its transcript and test orders.
type SessionExport struct {
	Session      Session           `json:"session"`
	CaseTitle    string            `json:"caseTitle"`
	Diagnosis    string            `json:"correctDiagnosis"`
	Conversation []ConversationMsg `json:"conversation"`
	Tests        []TestOrder       `json:"tests"`
	Findings     int               `json:"findingsRecorded"`
	Abnormal     []string          `json:"abnormalFindings,omitempty"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Sender  Sender    `json:"sender"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
