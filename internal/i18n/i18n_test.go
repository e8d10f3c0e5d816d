package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "ErrSessionNotFound")
	if got != "Practice session not found." {
		t.Errorf("T(ErrSessionNotFound) = %q", got)
	}
}

func TestTranslateHindi(t *testing.T) {
	ctx := initLang(t, "hi")

	got := T(ctx, "ErrSessionNotFound")
	if got != "अभ्यास सत्र नहीं मिला।" {
		t.Errorf("T(ErrSessionNotFound) = %q", got)
	}
}

func TestUnsupportedLanguageFallsBack(t *testing.T) {
	ctx := initLang(t, "fr")

	got := T(ctx, "ErrForbidden")
	if got != "You do not have access to this resource." {
		t.Errorf("T(ErrForbidden) = %q, want English fallback", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "QuestionsImported", 1); got != "Imported 1 question." {
		t.Errorf("Tp(QuestionsImported, 1) = %q", got)
	}
	if got := Tp(ctx, "QuestionsImported", 45); got != "Imported 45 questions." {
		t.Errorf("Tp(QuestionsImported, 45) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "SessionScore", map[string]any{"Correct": 18, "Total": 30})
	if got != "You answered 18 of 30 correctly." {
		t.Errorf("Td(SessionScore) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestLocaleFilesAgree(t *testing.T) {
	initLang(t, "en")
	if got := len(Languages()); got != 2 {
		t.Fatalf("loaded %d languages, want 2", got)
	}
	en := WithLocalizer(context.Background(), NewLocalizer("en"))
	hi := WithLocalizer(context.Background(), NewLocalizer("hi"))
	for _, id := range []string{"ErrInvalidScope", "ErrNoQuestions", "ErrSessionCompleted", "ErrUnknownQuestion",
		"ErrEmptyResponses", "ErrDuplicateResponse", "ErrProgressMissing", "ErrInternal"} {
		if T(en, id) == T(hi, id) {
			t.Errorf("%s is not translated to Hindi", id)
		}
	}
}

func TestMiddlewareNegotiatesLanguage(t *testing.T) {
	initLang(t, "en")

	var got string
	h := Middleware("en")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ErrUnauthorized")
	}))

	tests := []struct {
		name   string
		url    string
		accept string
		want   string
	}{
		{"default", "/", "", "Sign in to continue."},
		{"header", "/", "hi-IN,hi;q=0.9,en;q=0.8", "जारी रखने के लिए साइन इन करें।"},
		{"query wins", "/?lang=en", "hi", "Sign in to continue."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
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
