// Package secrets provides the secrets-provider capability and the log
// redactor that keeps secret values out of logs and artifacts.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Provider resolves secret values by name. Values are opaque; the core
// never logs them and registers them with the redactor.
type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from environment variables with an
// optional prefix (e.g. SKYVERN_SECRET_).
type EnvProvider struct {
	Prefix string
}

// Resolve reads the named secret from the environment.
func (p *EnvProvider) Resolve(ctx context.Context, name string) (string, error) {
	key := p.Prefix + strings.ToUpper(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (env %s unset)", name, key)
	}
	return v, nil
}

// StaticProvider resolves secrets from a fixed map, for tests.
type StaticProvider map[string]string

// Resolve looks the secret up in the map.
func (p StaticProvider) Resolve(ctx context.Context, name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}

// Redactor replaces registered secret values in log output. Register is
// safe for concurrent use; handlers share one redactor process-wide.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

// Mask is what registered secret values are replaced with.
const Mask = "***"

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds secret values to redact. Empty values are ignored.
func (r *Redactor) Register(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if v != "" {
			r.values = append(r.values, v)
		}
	}
}

// Redact replaces every registered secret value in s with the mask.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Handler wraps a slog.Handler, redacting string attribute values and the
// message itself.
type Handler struct {
	inner    slog.Handler
	redactor *Redactor
}

// NewHandler wraps inner with secret redaction.
func NewHandler(inner slog.Handler, redactor *Redactor) *Handler {
	return &Handler{inner: inner, redactor: redactor}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, redacting the record.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *Handler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			out = append(out, h.redactAttr(ga))
		}
		return slog.Group(a.Key, out...)
	default:
		return a
	}
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &Handler{inner: h.inner.WithAttrs(redacted), redactor: h.redactor}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}
