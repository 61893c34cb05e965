package agent

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/observability"
)

// Truncation limits applied to tool output before it reaches the model.
const (
	DefaultMaxOutputLines = 2000
	DefaultMaxOutputBytes = 50 * 1024
)

// ToolTruncation overrides the global limits for one tool.
type ToolTruncation struct {
	MaxLines int  `json:"max_lines" yaml:"max_lines"`
	MaxBytes int  `json:"max_bytes" yaml:"max_bytes"`
	KeepTail bool `json:"keep_tail" yaml:"keep_tail"`
}

// TruncationConfig bounds tool output and spills the full text to disk so
// nothing is lost, only elided from the prompt.
type TruncationConfig struct {
	// Dir receives spill files. Created on first use.
	Dir string `json:"dir" yaml:"dir"`

	// MaxLines and MaxBytes are the global limits. Output at exactly the
	// limit passes untouched.
	MaxLines int `json:"max_lines" yaml:"max_lines"`
	MaxBytes int `json:"max_bytes" yaml:"max_bytes"`

	// SkipTools bypasses the middleware entirely for the named tools.
	SkipTools []string `json:"skip_tools" yaml:"skip_tools"`

	// PerTool overrides limits and head/tail policy per tool name.
	PerTool map[string]ToolTruncation `json:"per_tool" yaml:"per_tool"`

	// RetentionDays controls CleanupSpills. Zero keeps spills forever.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// DefaultTruncationConfig returns the middleware defaults.
func DefaultTruncationConfig() TruncationConfig {
	return TruncationConfig{
		Dir:           filepath.Join(".", "data", "truncation"),
		MaxLines:      DefaultMaxOutputLines,
		MaxBytes:      DefaultMaxOutputBytes,
		RetentionDays: 7,
	}
}

func (c *TruncationConfig) limitsFor(tool string) (maxLines, maxBytes int, keepTail bool) {
	maxLines, maxBytes = c.MaxLines, c.MaxBytes
	if maxLines <= 0 {
		maxLines = DefaultMaxOutputLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if o, ok := c.PerTool[tool]; ok {
		if o.MaxLines > 0 {
			maxLines = o.MaxLines
		}
		if o.MaxBytes > 0 {
			maxBytes = o.MaxBytes
		}
		keepTail = o.KeepTail
	}
	return maxLines, maxBytes, keepTail
}

// Apply truncates result.Output if it exceeds the line or byte limit,
// spilling the full output to a file and annotating the returned output
// with the spill path and removed counts. Results already marked truncated
// by the tool pass through.
func (c *TruncationConfig) Apply(tool string, result *ToolResult, metrics *observability.Metrics, logger *slog.Logger) *ToolResult {
	if result.Output == "" {
		return result
	}
	if truncated, ok := result.Metadata["truncated"].(bool); ok && truncated {
		return result
	}
	for _, skip := range c.SkipTools {
		if skip == tool {
			return result
		}
	}

	maxLines, maxBytes, keepTail := c.limitsFor(tool)
	lines := strings.Split(result.Output, "\n")
	overLines := len(lines) > maxLines
	overBytes := len(result.Output) > maxBytes
	if !overLines && !overBytes {
		return result
	}

	kept := lines
	if overLines {
		if keepTail {
			kept = lines[len(lines)-maxLines:]
		} else {
			kept = lines[:maxLines]
		}
	}
	text := strings.Join(kept, "\n")
	for len(text) > maxBytes {
		if keepTail {
			kept = kept[1:]
		} else {
			kept = kept[:len(kept)-1]
		}
		text = strings.Join(kept, "\n")
	}
	removedLines := len(lines) - len(kept)
	removedBytes := len(result.Output) - len(text)

	path, err := c.spill(tool, result.Output)
	hint := ""
	if err != nil {
		if logger != nil {
			logger.Warn("failed to write truncation spill", "tool", tool, "error", err)
		}
	} else {
		hint = fmt.Sprintf("\nFull output saved to: %s", path)
		if metrics != nil {
			metrics.TruncationSpills.WithLabelValues(tool).Inc()
		}
	}

	where := "last"
	if keepTail {
		where = "first"
	}
	out := *result
	out.Output = fmt.Sprintf("%s\n[output truncated: %s %d lines (%d bytes) removed]%s",
		text, where, removedLines, removedBytes, hint)
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	} else {
		out.Metadata = copyMetadata(result.Metadata)
	}
	out.Metadata["truncated"] = true
	if path != "" {
		out.Metadata["spill_path"] = path
	}
	return &out
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// spill writes the full output to <tool>_<unixMs>_<6alnum>.txt under Dir.
func (c *TruncationConfig) spill(tool string, output string) (string, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%s.txt", tool, time.Now().UnixMilli(), randomSuffix(6))
	path := filepath.Join(c.Dir, name)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}

// CleanupSpills deletes spill files older than RetentionDays. Returns the
// number removed.
func (c *TruncationConfig) CleanupSpills(now time.Time) (int, error) {
	if c.RetentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(c.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := now.AddDate(0, 0, -c.RetentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.Dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
