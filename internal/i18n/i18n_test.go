package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected.String(), MatchLanguage(tt.accept).String(), "Accept: %s", tt.accept)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "de", LocaleFromEnv().String())

	t.Setenv("LANG", "C")
	assert.Equal(t, "en", LocaleFromEnv().String())

	t.Setenv("LC_ALL", "fr_FR.UTF-8")
	assert.Equal(t, "en", LocaleFromEnv().String())
}

func TestCatalog(t *testing.T) {
	de := NewPrinter(language.German)
	assert.Equal(t, "/usr/bin/curl blockiert\n", de.Sprintf("Blocked %s\n", "/usr/bin/curl"))

	en := NewPrinter(language.English)
	assert.Equal(t, "Blocked /usr/bin/curl\n", en.Sprintf("Blocked %s\n", "/usr/bin/curl"))
}

func TestMiddleware(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrinter(r.Context()).Sprintf("state: %s\n", "idle")
	}))

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Accept-Language", "de")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "Zustand: idle\n", got)
	assert.Equal(t, "de", rr.Header().Get("Content-Language"))

	req = httptest.NewRequest("GET", "/status?lang=en", nil)
	req.Header.Set("Accept-Language", "de")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "state: idle\n", got)
}
