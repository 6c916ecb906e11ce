// Package observability provides structured logging with sensitive-data
// redaction and the Prometheus metrics for the call engine.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level" json:"level"`

	// Format specifies output format: "json" or "text".
	// JSON for production; text for development.
	Format string `yaml:"format" json:"format"`

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `yaml:"-" json:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source" json:"add_source"`

	// RedactPatterns are additional regex patterns masked in log output.
	// The defaults already cover API keys, tokens, and phone numbers.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// DefaultRedactPatterns masks the values this service must never log in the
// clear: provider credentials and recipient phone numbers.
var DefaultRedactPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,

	// Engine API keys
	`sk-[a-zA-Z0-9_-]{20,}`,

	// JWT tokens (stream tokens ride on URLs)
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// e164 matches full international phone numbers; they are masked rather than
// fully removed so operators can still correlate calls.
var e164 = regexp.MustCompile(`\+[1-9]\d{6,14}`)

// MaskPhone keeps the country prefix and the last two digits.
func MaskPhone(number string) string {
	if len(number) < 6 {
		return "+***"
	}
	return number[:3] + strings.Repeat("*", len(number)-5) + number[len(number)-2:]
}

// NewLogger creates a structured logger whose output has credentials
// replaced with [REDACTED] and phone numbers masked.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}
	var inner slog.Handler
	if config.Format == "json" {
		inner = slog.NewJSONHandler(config.Output, opts)
	} else {
		inner = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(DefaultRedactPatterns, config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactingHandler{inner: inner, redacts: redacts})
}

// LogLevelFromString converts a string to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactingHandler rewrites string attribute values and messages before
// handing records to the wrapped handler.
type redactingHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		attr.Value = slog.StringValue(h.redactString(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, inner := range group {
			clean[i] = h.redactAttr(inner)
		}
		attr.Value = slog.GroupValue(clean...)
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = slog.StringValue(h.redactString(err.Error()))
		}
	}
	return attr
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return e164.ReplaceAllStringFunc(s, MaskPhone)
}
