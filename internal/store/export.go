package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pavelanni/osce/internal/model"
)

// ExportAllSessions builds export-ready records for every session.
func ExportAllSessions(ctx context.Context, st Store) ([]model.SessionExport, error) {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Sessions of one case share the case record.
	cases := make(map[string]model.Case)

	results := []model.SessionExport{}
	for _, sess := range sessions {
		c, ok := cases[sess.CaseID]
		if !ok {
			c, err = st.GetCase(ctx, sess.CaseID)
			if err != nil {
				return nil, fmt.Errorf("get case %s: %w", sess.CaseID, err)
			}
			cases[sess.CaseID] = c
		}

		history, err := st.GetChatHistory(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get chat of session %s: %w", sess.ID, err)
		}
		var conv []model.ConversationMsg
		for _, m := range history {
			conv = append(conv, model.ConversationMsg{
				Sender:  m.Sender,
				Message: m.Message,
				At:      m.Timestamp,
			})
		}

		tests, err := st.GetTestOrders(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get tests of session %s: %w", sess.ID, err)
		}

		var abnormal []string
		for key, f := range sess.PhysicalFindings {
			if !f.Normal {
				abnormal = append(abnormal, key)
			}
		}
		sort.Strings(abnormal)

		results = append(results, model.SessionExport{
			Session:      sess,
			CaseTitle:    c.Title,
			Diagnosis:    c.CorrectDiagnosis,
			Conversation: conv,
			Tests:        tests,
			Findings:     len(sess.PhysicalFindings),
			Abnormal:     abnormal,
		})
	}

	return results, nil
}
