// Package privacy reshapes event payloads immediately before they are
// queued for transmission, so that no path, command, query, prompt, or
// source code ever leaves the monitor host.
package privacy

import (
	"path/filepath"
	"strings"

	"github.com/vibetea/telemetry/internal/event"
)

// SummaryPlaceholder replaces every summary's text on the wire.
const SummaryPlaceholder = "Session ended"

// sensitiveTools never have their context transmitted, regardless of the
// allowlist: their context may carry shell commands, search queries, or
// URLs.
var sensitiveTools = map[string]bool{
	"Bash":      true,
	"Grep":      true,
	"Glob":      true,
	"WebSearch": true,
	"WebFetch":  true,
}

// Config controls the extension allowlist applied to tool context.
type Config struct {
	// Allowlist is a set of lowercase extensions including the leading
	// dot (".rs", ".ts"). A nil Allowlist allows every extension.
	Allowlist map[string]bool
}

// NewConfig builds a Config from a comma-separated extension list, e.g.
// ".rs,.ts,.md" or "rs,ts,md" (the leading dot is added if missing). An
// empty string means no allowlist: all extensions pass.
func NewConfig(raw string) Config {
	if strings.TrimSpace(raw) == "" {
		return Config{}
	}
	allow := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		ext := strings.TrimSpace(part)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if len(ext) > 1 {
			allow[ext] = true
		}
	}
	if len(allow) == 0 {
		return Config{}
	}
	return Config{Allowlist: allow}
}

// IsExtensionAllowed reports whether basename's extension passes the
// allowlist. With no allowlist configured, everything is allowed. With an
// allowlist configured, a basename with no extension is rejected.
func (c Config) IsExtensionAllowed(basename string) bool {
	if c.Allowlist == nil {
		return true
	}
	ext := filepath.Ext(basename)
	if ext == "" {
		return false
	}
	return c.Allowlist[ext]
}

// Pipeline applies the privacy transform to event payloads before they
// enter the sender buffer.
type Pipeline struct {
	config Config
}

// NewPipeline constructs a Pipeline with the given extension allowlist
// config.
func NewPipeline(config Config) *Pipeline {
	return &Pipeline{config: config}
}

// Process returns a privacy-sanitized copy of ev. session, activity,
// agent and error variants pass through unchanged; summary text is
// replaced with a fixed placeholder; tool context is stripped for
// sensitive tools and otherwise reduced to a basename filtered by the
// extension allowlist.
func (pl *Pipeline) Process(ev event.Event) event.Event {
	switch ev.Payload.Kind {
	case event.TypeSummary:
		sanitized := *ev.Payload.Summary
		sanitized.Summary = SummaryPlaceholder
		ev.Payload.Summary = &sanitized
	case event.TypeTool:
		sanitized := *ev.Payload.Tool
		sanitized.Context = pl.sanitizeToolContext(sanitized.Tool, sanitized.Context)
		ev.Payload.Tool = &sanitized
	}
	return ev
}

// sanitizeToolContext implements the per-tool context rule: sensitive
// tools always lose their context; everything else is reduced to a
// basename and filtered by the extension allowlist.
func (pl *Pipeline) sanitizeToolContext(tool string, context *string) *string {
	if sensitiveTools[tool] {
		return nil
	}
	if context == nil {
		return nil
	}
	base := Basename(*context)
	if base == "" {
		return nil
	}
	if !pl.config.IsExtensionAllowed(base) {
		return nil
	}
	return &base
}

// Basename extracts the last path segment of p using last-path-segment
// semantics. An empty input, or a path with no non-empty final segment,
// yields "".
func Basename(p string) string {
	if p == "" {
		return ""
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return ""
	}
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}
