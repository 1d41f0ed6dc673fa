// Package parser turns raw journal lines into canonical events. It holds
// per-journal state (inferred session id, project, and a one-shot
// session-started latch) and never retains text or thinking content blocks.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vibetea/telemetry/internal/event"
)

var (
	ErrInvalidPath      = errors.New("parser: invalid path format")
	ErrInvalidSessionID = errors.New("parser: invalid session id in filename")
)

// SessionParser holds per-journal-file state across repeated ParseLine
// calls: the inferred session id, the decoded project name, and whether
// the synthetic session-started event still needs to be emitted.
type SessionParser struct {
	sessionID    string
	project      string
	isFirstEvent bool
}

// FromPath derives a SessionParser from a journal file path of the form
// <root>/<project-slug>/<uuid>.jsonl. The project slug is percent-decoded;
// the filename stem must be a 36-char hyphenated UUID.
func FromPath(path string) (*SessionParser, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: no filename in %q", ErrInvalidPath, path)
	}
	if len(stem) != 36 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, stem)
	}
	id, err := uuid.Parse(stem)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, stem)
	}

	dir := filepath.Dir(path)
	projectSlug := filepath.Base(dir)
	if projectSlug == "" || projectSlug == "." || projectSlug == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: no parent directory in %q", ErrInvalidPath, path)
	}

	return New(id.String(), decodeProjectName(projectSlug)), nil
}

// New constructs a SessionParser with explicit session id and project,
// useful in tests or when both are already known.
func New(sessionID, project string) *SessionParser {
	return &SessionParser{sessionID: sessionID, project: project, isFirstEvent: true}
}

// SessionID returns the session id this parser was constructed with.
func (p *SessionParser) SessionID() string { return p.sessionID }

// Project returns the decoded project name this parser was constructed
// with.
func (p *SessionParser) Project() string { return p.project }

// rawLine is the subset of a Claude Code journal line this parser needs.
// Text and thinking content bodies are never deserialized: contentBlock
// only carries the fields required to recognize a tool_use block.
type rawLine struct {
	Type      string         `json:"type"`
	Message   *rawMessage    `json:"message"`
	Progress  *rawProgress   `json:"progress"`
	Timestamp *time.Time     `json:"timestamp"`
}

type rawMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type rawProgress struct {
	Type     string      `json:"type"`
	ToolName *string     `json:"tool_name"`
	Result   *rawResult  `json:"result"`
}

type rawResult struct {
	Success *bool `json:"success"`
}

var pathFields = []string{"file_path", "path", "filename", "file", "notebook_path"}

// ParseLine parses one raw journal line into zero or more canonical
// events. Malformed JSON and empty/whitespace-only lines yield zero
// events without aborting the parser's state. The first successful parse
// on a parser additionally prepends a synthetic session-started event.
func (p *SessionParser) ParseLine(line string, log func(msg string)) []event.Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		if log != nil {
			log(fmt.Sprintf("malformed journal line: %v", err))
		}
		return nil
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		ts = *raw.Timestamp
	}

	var events []event.Event
	if p.isFirstEvent {
		p.isFirstEvent = false
		proj := p.project
		events = append(events, event.Event{
			ID:        event.NewID(),
			Timestamp: ts,
			Type:      event.TypeSession,
			Payload: event.Payload{
				Kind: event.TypeSession,
				Session: &event.SessionPayload{
					SessionID: p.sessionID,
					Action:    event.SessionStarted,
					Project:   proj,
				},
			},
		})
	}

	if ev := p.parseEvent(raw, ts); ev != nil {
		events = append(events, *ev)
	}
	return events
}

func (p *SessionParser) parseEvent(raw rawLine, ts time.Time) *event.Event {
	switch raw.Type {
	case "assistant":
		return p.parseAssistant(raw, ts)
	case "user":
		return &event.Event{
			ID:        event.NewID(),
			Timestamp: ts,
			Type:      event.TypeActivity,
			Payload: event.Payload{
				Kind:     event.TypeActivity,
				Activity: &event.ActivityPayload{SessionID: p.sessionID},
			},
		}
	case "progress":
		return p.parseProgress(raw, ts)
	case "summary":
		return &event.Event{
			ID:        event.NewID(),
			Timestamp: ts,
			Type:      event.TypeSummary,
			Payload: event.Payload{
				Kind:    event.TypeSummary,
				Summary: &event.SummaryPayload{SessionID: p.sessionID},
			},
		}
	default:
		return nil
	}
}

// parseAssistant inspects message.content for the first tool_use block.
// A Task invocation additionally produces an agentSpawn event via
// ExtractAgentSpawn below; this function only returns the primary tool-started
// event so callers that need both call ParseLine then ExtractAgentSpawn.
func (p *SessionParser) parseAssistant(raw rawLine, ts time.Time) *event.Event {
	if raw.Message == nil {
		return nil
	}
	for _, block := range raw.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		context := extractContext(block.Input)
		var ctxPtr *string
		if context != "" {
			ctxPtr = &context
		}
		return &event.Event{
			ID:        event.NewID(),
			Timestamp: ts,
			Type:      event.TypeTool,
			Payload: event.Payload{
				Kind: event.TypeTool,
				Tool: &event.ToolPayload{
					SessionID: p.sessionID,
					Tool:      block.Name,
					Status:    event.ToolStarted,
					Context:   ctxPtr,
				},
			},
		}
	}
	return nil
}

func (p *SessionParser) parseProgress(raw rawLine, ts time.Time) *event.Event {
	if raw.Progress == nil || raw.Progress.Type != "PostToolUse" || raw.Progress.ToolName == nil {
		return nil
	}
	// result.success is decoded but not used: the wire ToolPayload
	// carries no success field, matching the event schema.
	return &event.Event{
		ID:        event.NewID(),
		Timestamp: ts,
		Type:      event.TypeTool,
		Payload: event.Payload{
			Kind: event.TypeTool,
			Tool: &event.ToolPayload{
				SessionID: p.sessionID,
				Tool:      *raw.Progress.ToolName,
				Status:    event.ToolCompleted,
			},
		},
	}
}

// ExtractAgentSpawn inspects an assistant line for a Task tool invocation
// (exact, case-sensitive match) and returns the derived agentSpawn event,
// if any. The prompt field is never deserialized.
func (p *SessionParser) ExtractAgentSpawn(line string, ts time.Time) *event.Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	var raw rawLine
	if json.Unmarshal([]byte(trimmed), &raw) != nil || raw.Type != "assistant" || raw.Message == nil {
		return nil
	}
	for _, block := range raw.Message.Content {
		if block.Type != "tool_use" || block.Name != "Task" {
			continue
		}
		var input struct {
			SubagentType string `json:"subagent_type"`
			Description  string `json:"description"`
		}
		_ = json.Unmarshal(block.Input, &input)
		agentType := input.SubagentType
		if agentType == "" {
			agentType = "task"
		}
		return &event.Event{
			ID:        event.NewID(),
			Timestamp: ts,
			Type:      event.TypeAgentSpawn,
			Payload: event.Payload{
				Kind: event.TypeAgentSpawn,
				AgentSpawn: &event.AgentSpawnPayload{
					SessionID:   p.sessionID,
					AgentType:   agentType,
					Description: input.Description,
					Timestamp:   ts,
				},
			},
		}
	}
	return nil
}

func extractContext(rawInput json.RawMessage) string {
	if len(rawInput) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rawInput, &obj); err != nil {
		return ""
	}
	for _, field := range pathFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if base := basename(s); base != "" {
			return base
		}
	}
	return ""
}

func basename(path string) string {
	if path == "" {
		return ""
	}
	b := filepath.Base(path)
	if b == "." || b == string(filepath.Separator) {
		return ""
	}
	return b
}

// decodeProjectName reverses Claude Code's directory slugification:
// percent-decode, leaving literal dashes (the encoding of path
// separators) untouched.
func decodeProjectName(slug string) string {
	decoded, err := url.PathUnescape(slug)
	if err != nil {
		return slug
	}
	return decoded
}
