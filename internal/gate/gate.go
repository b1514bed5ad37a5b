// Package gate decides, once per request, whether a protected media request
// must present a valid MAC. The decision travels with the request context and
// is never written to shared state.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dharsanguruparan/mediaguard/internal/canonical"
	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/metrics"
	"github.com/dharsanguruparan/mediaguard/internal/session"
)

type contextKey struct{}

// Verification is the per-request verification decision. The zero value
// rejects everything.
type Verification struct {
	bypass     bool
	enforce    bool
	protection config.Protection
	logger     *slog.Logger
}

// Bypass returns a Verification that lets every request through.
func Bypass() Verification {
	return Verification{bypass: true}
}

// Enforce returns a Verification that checks MACs against p.
func Enforce(p config.Protection, logger *slog.Logger) Verification {
	if logger == nil {
		logger = slog.Default()
	}
	return Verification{enforce: true, protection: p, logger: logger}
}

// Bypassed reports whether enforcement is off for this request.
func (v Verification) Bypassed() bool { return v.bypass }

// VerifyRequest checks the request's MAC over its canonical path and query.
func (v Verification) VerifyRequest(r *http.Request) bool {
	if v.bypass {
		return true
	}
	if !v.enforce {
		return false
	}
	message, err := canonical.FromRequest(r)
	if err != nil {
		v.logger.Debug("unparseable media request", "path", r.URL.Path, "error", err)
		return false
	}
	return v.check(message, r.URL.Query().Get(canonical.MACParam), r.URL.Path)
}

// VerifyURL checks a signed URL string the same way VerifyRequest checks a
// request for it.
func (v Verification) VerifyURL(raw string) bool {
	if v.bypass {
		return true
	}
	if !v.enforce {
		return false
	}
	message, err := canonical.FromURL(raw)
	if err != nil {
		v.logger.Debug("unparseable media url", "url", raw, "error", err)
		return false
	}
	mac, err := canonical.MAC(raw)
	if err != nil {
		return false
	}
	return v.check(message, mac, raw)
}

func (v Verification) check(message, mac, where string) bool {
	if mac == "" {
		v.logger.Debug("media request without mac", "target", where)
		return false
	}
	if !v.protection.Signer().Validate(message, mac) {
		v.logger.Debug("media mac mismatch", "target", where, "algorithm", v.protection.Algorithm)
		return false
	}
	return true
}

// WithVerification attaches v to ctx.
func WithVerification(ctx context.Context, v Verification) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// VerificationFrom returns the Verification attached to ctx.
func VerificationFrom(ctx context.Context) (Verification, bool) {
	v, ok := ctx.Value(contextKey{}).(Verification)
	return v, ok
}

// Verify is the check the transform engine runs before serving. A request
// that never went through a Gate is rejected.
func Verify(r *http.Request) bool {
	v, ok := VerificationFrom(r.Context())
	if !ok {
		metrics.RecordDecision(metrics.DecisionRejected)
		return false
	}
	if v.Bypassed() {
		return true
	}
	if !v.VerifyRequest(r) {
		metrics.RecordDecision(metrics.DecisionRejected)
		return false
	}
	metrics.RecordDecision(metrics.DecisionAllowed)
	return true
}

// Gate guards every path under a prefix.
type Gate struct {
	prefix   string
	keys     config.Source
	sessions session.Checker
	logger   *slog.Logger
}

// New creates a Gate. A nil sessions checker means no request is privileged.
func New(prefix string, keys config.Source, sessions session.Checker, logger *slog.Logger) *Gate {
	if sessions == nil {
		sessions = session.Never
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		prefix:   strings.TrimRight(prefix, "/"),
		keys:     keys,
		sessions: sessions,
		logger:   logger,
	}
}

// Prefix returns the protected path prefix.
func (g *Gate) Prefix() string { return g.prefix }

// Protects reports whether path falls under the protected prefix. Matching is
// by whole path segment: "/media" covers "/media/a.jpg" but not "/mediakit".
func (g *Gate) Protects(path string) bool {
	if g.prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, g.prefix) {
		return false
	}
	rest := path[len(g.prefix):]
	return rest == "" || rest[0] == '/'
}

// Decide builds the Verification for r from a fresh config snapshot.
func (g *Gate) Decide(r *http.Request) Verification {
	if g.sessions.IsPrivilegedSession(r) {
		return Bypass()
	}
	return Enforce(g.keys.Current(), g.logger)
}

// Handler wraps next so protected requests carry their Verification.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		v := g.Decide(r)
		if v.Bypassed() {
			metrics.RecordDecision(metrics.DecisionBypass)
		}
		next.ServeHTTP(w, r.WithContext(WithVerification(r.Context(), v)))
	})
}
