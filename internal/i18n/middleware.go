package i18n

import (
	"net/http"
)

// Middleware picks the response language from a "lang" query parameter or
// Accept-Language, stores its printer in the request context and reports the
// choice in Content-Language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pref := r.URL.Query().Get("lang")
		if pref == "" {
			pref = r.Header.Get("Accept-Language")
		}
		tag := MatchLanguage(pref)
		w.Header().Set("Content-Language", tag.String())
		next.ServeHTTP(w, r.WithContext(WithPrinter(r.Context(), NewPrinter(tag))))
	})
}
