package model

import (
	"encoding/json"
	"testing"
)

func TestTreatmentPlanJSON(t *testing.T) {
	tests := []struct {
		name string
		plan TreatmentPlan
		want string
	}{
		{
			name: "zero plan",
			plan: TreatmentPlan{},
			want: `{}`,
		},
		{
			name: "instructions only keeps empty lists",
			plan: TreatmentPlan{Instructions: "NPO", Completed: true},
			want: `{"medications":[],"instructions":"NPO","followUp":"","lifestyle":[],"completed":true}`,
		},
		{
			name: "full plan",
			plan: TreatmentPlan{
				Medications:  []string{"Ceftriaxone 1g IV"},
				Instructions: "Surgical consult",
				FollowUp:     "2 weeks",
				Lifestyle:    []string{"Low-fat diet"},
			},
			want: `{"medications":["Ceftriaxone 1g IV"],"instructions":"Surgical consult","followUp":"2 weeks","lifestyle":["Low-fat diet"],"completed":false}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.plan)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSessionEncodesEmptyPlanAsObject(t *testing.T) {
	got, err := json.Marshal(Session{ID: "s1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(got, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(fields["treatmentPlan"]) != "{}" {
		t.Errorf("treatmentPlan = %s, want {}", fields["treatmentPlan"])
	}
}
