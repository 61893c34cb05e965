// Package observability provides structured logging, Prometheus metrics,
// and tracing helpers for the kernel.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `json:"level" yaml:"level"`

	// Format specifies output format: "json" or "text".
	Format string `json:"format" yaml:"format"`

	// AddSource includes file and line number in log records.
	AddSource bool `json:"add_source" yaml:"add_source"`

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer `json:"-" yaml:"-"`

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction. Defaults already cover API keys and bearer tokens.
	RedactPatterns []string `json:"redact_patterns,omitempty" yaml:"redact_patterns,omitempty"`
}

var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)=[^\s&"]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{16,}`),
}

// NewLogger builds a slog.Logger from config with value redaction.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	redacts := append([]*regexp.Regexp(nil), defaultRedactPatterns...)
	for _, p := range cfg.RedactPatterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redact(a.Value.String(), redacts))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func redact(s string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
