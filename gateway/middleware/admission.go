package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kioskexchange/admission"
)

// Admitter is the admission gate consulted before a handler runs.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Assessment, error)
}

// Admission runs the gate for endpoint before the wrapped handler. When the
// route carries a {code} parameter it is passed along so repeated lookups of
// the same code feed the fraud scorer.
func Admission(gate Admitter, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate == nil {
				next.ServeHTTP(w, r)
				return
			}
			_, err := gate.Admit(r.Context(), admission.Request{
				Identity: ClientID(r),
				Endpoint: endpoint,
				KioskID:  KioskID(r.Context()),
				Code:     strings.TrimSpace(chi.URLParam(r, "code")),
			})
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientID identifies the caller for rate limiting: X-Real-IP, then the first
// X-Forwarded-For entry, then the peer address.
func ClientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if comma := strings.IndexByte(fwd, ','); comma >= 0 {
			first = fwd[:comma]
		}
		first = strings.TrimSpace(first)
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
