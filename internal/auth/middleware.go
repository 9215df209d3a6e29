package auth

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
)

// ErrorWriter renders an authentication or authorisation failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// RequiredPermissions lists the permissions needed per HTTP method; "*"
	// applies to methods without an entry.
	RequiredPermissions map[string][]Permission
	// AuditEvent names the audit entry. Defaults to the request path.
	AuditEvent string
	// OnError renders failures. Defaults to a plain-text response.
	OnError ErrorWriter
}

// Middleware authenticates the request, binds the subject and its tenant to
// the context, enforces per-method permissions and writes an audit entry.
// In disabled mode every request runs as DevSubject.
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	onError := cfg.OnError
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				subject *Subject
				err     error
			)
			if s.mode == ModeDisabled {
				subject = s.DevSubject()
			} else {
				subject, err = s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
				if err != nil {
					onError(w, r, err)
					s.audit.Warn("access_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", xerrors.HTTPStatus(err),
						"error", err.Error(),
					)
					return
				}
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				onError(w, r, err)
				s.audit.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
					"user", subject.Username,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			ctx = tenant.WithTenant(ctx, subject.TenantID)
			next.ServeHTTP(aw, r.WithContext(ctx))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
				"tenant_id", string(subject.TenantID),
			)
		})
	}
}

// Require rejects requests whose subject lacks any of perms. It must run
// after Middleware.
func Require(onError ErrorWriter, perms ...Permission) func(http.Handler) http.Handler {
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFromContext(r.Context())
			if subject == nil {
				onError(w, r, ErrMissingToken)
				return
			}
			if err := subject.Authorize(perms...); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func plainError(w http.ResponseWriter, _ *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	http.Error(w, http.StatusText(status), status)
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the chat websocket upgrade pass through the audit wrapper.
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
