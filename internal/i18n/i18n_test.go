package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "SessionNotFound")
	if got != "Session not found" {
		t.Errorf("T(SessionNotFound) = %q, want 'Session not found'", got)
	}

	got = T(ctx, "InternalError")
	if got != "Internal server error" {
		t.Errorf("T(InternalError) = %q, want 'Internal server error'", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "SessionNotFound")
	if got != "Сессия не найдена" {
		t.Errorf("T(SessionNotFound) = %q, want 'Сессия не найдена'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "InvalidSessionData", map[string]any{"Detail": "caseId is required"})
	if got != "Invalid session data: caseId is required" {
		t.Errorf("Td(InvalidSessionData) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestLocaleFilesComplete(t *testing.T) {
	initLang(t, "en")
	ids := []string{"CaseNotFound", "SessionNotFound", "TestOrderNotFound", "InvalidRequestBody",
		"FetchCasesFailed", "InternalError", "UsernameTaken", "InvalidCredentials"}
	for _, lang := range []string{"en", "ru"} {
		ctx := WithLocalizer(context.Background(), NewLocalizer(lang))
		for _, id := range ids {
			if got := T(ctx, id); got == id {
				t.Errorf("%s: missing translation for %s", lang, id)
			}
		}
	}
}

func TestMiddleware(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	tests := []struct {
		name   string
		accept string
		want   string
	}{
		{"default language", "", "Case not found"},
		{"accept-language ru", "ru-RU,ru;q=0.9,en;q=0.8", "Клинический случай не найден"},
		{"unsupported language", "fr", "Case not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = T(r.Context(), "CaseNotFound")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
