package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/osce/internal/model"
)

// SampleCases returns the built-in cases offered when no case files are configured.
func SampleCases() []model.Case {
	return []model.Case{
		{
			Title:       "Chest Pain",
			Description: "45-year-old female presenting with acute chest pain",
			PatientInfo: model.PatientInfo{
				Name:           "Sarah Johnson",
				Age:            45,
				Gender:         "Female",
				ChiefComplaint: "Chest pain for 2 days",
				MRN:            "12345678",
				DOB:            "1979-03-15",
			},
			Vitals: model.Vitals{
				BP:    "138/88",
				HR:    92,
				Temp:  "98.6°F",
				RR:    18,
				O2Sat: 98,
				BMI:   26.4,
			},
			ExpectedFindings: map[string]model.ExpectedFinding{
				"cardiovascular": {Normal: true, Findings: "Regular rate and rhythm, no murmurs"},
				"respiratory":    {Normal: true, Findings: "Clear breath sounds bilaterally"},
				"abdomen":        {Normal: false, Findings: "Tenderness in RUQ, Murphy's sign positive"},
			},
			AvailableTests: []model.AvailableTest{
				{Name: "Troponin I", Category: "Cardiac Markers", TurnaroundTime: 30},
				{Name: "Chest X-ray", Category: "Imaging", TurnaroundTime: 15},
				{Name: "ECG (12-lead)", Category: "Cardiac", TurnaroundTime: 5},
				{Name: "D-Dimer", Category: "Hematology", TurnaroundTime: 20},
				{Name: "CBC", Category: "Hematology", TurnaroundTime: 25},
				{Name: "BMP", Category: "Chemistry", TurnaroundTime: 25},
			},
			CorrectDiagnosis: "Acute Cholecystitis",
			DifferentialDiagnoses: []model.Differential{
				{Diagnosis: "Acute Cholecystitis", ICD10: "K80.20", Probability: model.ProbabilityHigh},
				{Diagnosis: "Peptic Ulcer Disease", ICD10: "K27.9", Probability: model.ProbabilityMedium},
				{Diagnosis: "Myocardial Infarction", ICD10: "I21.9", Probability: model.ProbabilityLow},
			},
		},
	}
}

// SeedSampleCases stores the sample cases if the store has no cases yet.
func SeedSampleCases(ctx context.Context, st Store) error {
	count, err := st.CaseCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, c := range SampleCases() {
		created, err := st.CreateCase(ctx, c)
		if err != nil {
			return fmt.Errorf("seed case %q: %w", c.Title, err)
		}
		slog.Info("seeded sample case", "id", created.ID, "title", created.Title)
	}
	return nil
}
