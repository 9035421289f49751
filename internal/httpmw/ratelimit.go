package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByUser rate limits by authenticated user id, falling back to
// client IP for unauthenticated requests. Should be applied after Auth.
func RateLimitByUser(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if uid, ok := UserIDFrom(r.Context()); ok && uid != "" {
				return "user:" + uid, nil
			}
			return httprate.KeyByIP(r)
		}),
	)
}
