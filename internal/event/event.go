// Package event defines the wire-format Event and its untagged payload
// union, shared by the monitor and the server.
package event

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Type is the discriminator carried in Event.Type and agreed with the
// shape of Event.Payload.
type Type string

const (
	TypeSession          Type = "session"
	TypeActivity         Type = "activity"
	TypeTool             Type = "tool"
	TypeAgent            Type = "agent"
	TypeSummary          Type = "summary"
	TypeError            Type = "error"
	TypeAgentSpawn       Type = "agentSpawn"
	TypeSkillInvocation  Type = "skillInvocation"
	TypeTokenUsage       Type = "tokenUsage"
	TypeSessionMetrics   Type = "sessionMetrics"
	TypeActivityPattern  Type = "activityPattern"
	TypeModelDistrib     Type = "modelDistribution"
	TypeTodoProgress     Type = "todoProgress"
	TypeFileChange       Type = "fileChange"
	TypeProjectActivity  Type = "projectActivity"
)

// SessionAction is the session lifecycle discriminator.
type SessionAction string

const (
	SessionStarted SessionAction = "started"
	SessionEnded   SessionAction = "ended"
)

// ToolStatus is the tool-invocation lifecycle discriminator.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID mints an opaque event identifier: a fixed prefix followed by 20
// random alphanumeric characters.
func NewID() string {
	buf := make([]byte, 20)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		if err != nil {
			// crypto/rand failing is not recoverable; a degraded id
			// (these fallback characters are not random) beats a panic
			// mid-pipeline.
			buf[i] = idAlphabet[i%len(idAlphabet)]
			continue
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return "evt_" + string(buf)
}

// Event is the immutable unit carried through the pipeline.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
}

// New constructs an Event with a freshly minted ID and the current
// timestamp. Callers that do not know the source yet may pass "" and set
// Source before the event is queued; the sender does not fill it in.
func New(source string, typ Type, payload Payload) Event {
	return Event{
		ID:        NewID(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
}

// Payload is the tagged union of event shapes. Exactly one of the Xxx
// fields is non-nil, matching Kind.
type Payload struct {
	Kind Type

	Tool             *ToolPayload
	Session          *SessionPayload
	Summary          *SummaryPayload
	Agent            *AgentPayload
	Error            *ErrorPayload
	FileChange       *FileChangePayload
	AgentSpawn       *AgentSpawnPayload
	SkillInvocation  *SkillInvocationPayload
	TokenUsage       *TokenUsagePayload
	SessionMetrics   *SessionMetricsPayload
	ModelDistribution *ModelDistributionPayload
	TodoProgress     *TodoProgressPayload
	ActivityPattern  *ActivityPatternPayload
	ProjectActivity  *ProjectActivityPayload
	Activity         *ActivityPayload
}

// ToolPayload backs Type=tool.
type ToolPayload struct {
	SessionID string     `json:"sessionId"`
	Tool      string     `json:"tool"`
	Status    ToolStatus `json:"status"`
	Context   *string    `json:"context,omitempty"`
	Project   *string    `json:"project,omitempty"`
}

// SessionPayload backs Type=session.
type SessionPayload struct {
	SessionID string        `json:"sessionId"`
	Action    SessionAction `json:"action"`
	Project   string        `json:"project"`
}

// SummaryPayload backs Type=summary.
type SummaryPayload struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
}

// AgentPayload backs Type=agent.
type AgentPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// ErrorPayload backs Type=error.
type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Category  string `json:"category"`
}

// ActivityPayload backs Type=activity. It MUST be tried last during
// untagged deserialization: its only required field, sessionId, is also
// required by most other variants, which it would otherwise shadow.
type ActivityPayload struct {
	SessionID string  `json:"sessionId"`
	Project   *string `json:"project,omitempty"`
}

// FileChangePayload backs Type=fileChange.
type FileChangePayload struct {
	SessionID     string    `json:"sessionId"`
	FileHash      string    `json:"fileHash"`
	Version       uint32    `json:"version"`
	LinesAdded    uint32    `json:"linesAdded"`
	LinesRemoved  uint32    `json:"linesRemoved"`
	LinesModified uint32    `json:"linesModified"`
	Timestamp     time.Time `json:"timestamp"`
}

// AgentSpawnPayload backs Type=agentSpawn.
type AgentSpawnPayload struct {
	SessionID   string    `json:"sessionId"`
	AgentType   string    `json:"agentType"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// SkillInvocationPayload backs Type=skillInvocation.
type SkillInvocationPayload struct {
	SessionID string    `json:"sessionId"`
	SkillName string    `json:"skillName"`
	Project   string    `json:"project"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsagePayload backs Type=tokenUsage.
type TokenUsagePayload struct {
	Model              string `json:"model"`
	InputTokens        uint64 `json:"inputTokens"`
	OutputTokens       uint64 `json:"outputTokens"`
	CacheReadTokens    uint64 `json:"cacheReadTokens"`
	CacheCreationTokens uint64 `json:"cacheCreationTokens"`
}

// SessionMetricsPayload backs Type=sessionMetrics.
type SessionMetricsPayload struct {
	TotalSessions  uint64 `json:"totalSessions"`
	TotalMessages  uint64 `json:"totalMessages"`
	TotalToolUsage uint64 `json:"totalToolUsage"`
	LongestSession string `json:"longestSession"`
}

// ActivityPatternPayload backs Type=activityPattern. Hour keys are decimal
// strings "0".."23", kept as strings (not ints) so untagged trial-decoding
// against a map[string]uint64 is unambiguous.
type ActivityPatternPayload struct {
	HourCounts map[string]uint64 `json:"hourCounts"`
}

// TokenUsageSummary is the per-model aggregate inside ModelDistributionPayload.
type TokenUsageSummary struct {
	InputTokens         uint64 `json:"inputTokens"`
	OutputTokens        uint64 `json:"outputTokens"`
	CacheReadTokens     uint64 `json:"cacheReadTokens"`
	CacheCreationTokens uint64 `json:"cacheCreationTokens"`
}

// ModelDistributionPayload backs Type=modelDistribution.
type ModelDistributionPayload struct {
	ModelUsage map[string]TokenUsageSummary `json:"modelUsage"`
}

// TodoProgressPayload backs Type=todoProgress.
type TodoProgressPayload struct {
	SessionID   string `json:"sessionId"`
	Completed   uint32 `json:"completed"`
	InProgress  uint32 `json:"inProgress"`
	Pending     uint32 `json:"pending"`
	Abandoned   bool   `json:"abandoned"`
}

// ProjectActivityPayload backs Type=projectActivity.
type ProjectActivityPayload struct {
	ProjectPath string `json:"projectPath"`
	SessionID   string `json:"sessionId"`
	IsActive    bool   `json:"isActive"`
}

// MarshalJSON flattens the active variant directly, with no wrapper
// object — this is what makes the payload "untagged" on the wire.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case TypeTool:
		return json.Marshal(p.Tool)
	case TypeSession:
		return json.Marshal(p.Session)
	case TypeSummary:
		return json.Marshal(p.Summary)
	case TypeAgent:
		return json.Marshal(p.Agent)
	case TypeError:
		return json.Marshal(p.Error)
	case TypeFileChange:
		return json.Marshal(p.FileChange)
	case TypeAgentSpawn:
		return json.Marshal(p.AgentSpawn)
	case TypeSkillInvocation:
		return json.Marshal(p.SkillInvocation)
	case TypeTokenUsage:
		return json.Marshal(p.TokenUsage)
	case TypeSessionMetrics:
		return json.Marshal(p.SessionMetrics)
	case TypeModelDistrib:
		return json.Marshal(p.ModelDistribution)
	case TypeTodoProgress:
		return json.Marshal(p.TodoProgress)
	case TypeActivityPattern:
		return json.Marshal(p.ActivityPattern)
	case TypeProjectActivity:
		return json.Marshal(p.ProjectActivity)
	case TypeActivity:
		return json.Marshal(p.Activity)
	default:
		return nil, fmt.Errorf("event: marshal payload: unknown kind %q", p.Kind)
	}
}

// variantOrder lists the trial order used to decode an untagged payload.
// It mirrors the wire format's deserialization contract: the first
// variant whose required fields are all present, and whose present fields
// all type-check, wins. No earlier variant's required fields are a subset
// of a later one's, so none shadows another; Activity MUST be last, since
// its lone required field sessionId is shared by most other variants.
var variantOrder = []Type{
	TypeTool,
	TypeSession,
	TypeSummary,
	TypeAgent,
	TypeError,
	TypeFileChange,
	TypeAgentSpawn,
	TypeSkillInvocation,
	TypeTokenUsage,
	TypeSessionMetrics,
	TypeModelDistrib,
	TypeTodoProgress,
	TypeActivityPattern,
	TypeProjectActivity,
	TypeActivity,
}

// requiredFields lists the JSON field names that must be present (and
// non-null) for a raw object to plausibly be this variant. This is the Go
// stand-in for serde's "does this object deserialize into this struct"
// trial used by an untagged enum: Go has no reflection-free equivalent,
// so required-field presence plus strict decoding substitutes for it.
var requiredFields = map[Type][]string{
	TypeTool:            {"sessionId", "tool", "status"},
	TypeSession:         {"sessionId", "action", "project"},
	TypeSummary:         {"sessionId", "summary"},
	TypeAgent:           {"sessionId", "state"},
	TypeError:           {"sessionId", "category"},
	TypeFileChange:      {"sessionId", "fileHash", "version", "linesAdded", "linesRemoved", "linesModified", "timestamp"},
	TypeAgentSpawn:      {"sessionId", "agentType", "description", "timestamp"},
	TypeSkillInvocation: {"sessionId", "skillName", "project", "timestamp"},
	TypeTokenUsage:      {"model", "inputTokens", "outputTokens", "cacheReadTokens", "cacheCreationTokens"},
	TypeSessionMetrics:  {"totalSessions", "totalMessages", "totalToolUsage", "longestSession"},
	TypeModelDistrib:    {"modelUsage"},
	TypeTodoProgress:    {"sessionId", "completed", "inProgress", "pending", "abandoned"},
	TypeActivityPattern: {"hourCounts"},
	TypeProjectActivity: {"projectPath", "sessionId", "isActive"},
	TypeActivity:        {"sessionId"},
}

// UnmarshalJSON implements the untagged trial-decode: it walks
// variantOrder and, for the first variant whose required fields are all
// present (and non-null) in the raw object, decodes into that variant's
// struct. A decode failure after the fields matched (e.g. a type
// mismatch) is treated as "this variant doesn't fit" and the search
// continues. Unknown extra fields are ignored, so adding wire fields
// stays backward compatible.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("event: payload is not a JSON object: %w", err)
	}

	for _, kind := range variantOrder {
		if !hasAll(raw, requiredFields[kind]) {
			continue
		}
		target, ok := newTarget(kind)
		if !ok {
			continue
		}
		if err := json.Unmarshal(data, target); err != nil {
			continue
		}
		p.Kind = kind
		p.assign(kind, target)
		return nil
	}
	return fmt.Errorf("event: payload matches no known variant")
}

func hasAll(raw map[string]json.RawMessage, fields []string) bool {
	for _, f := range fields {
		v, ok := raw[f]
		if !ok {
			return false
		}
		if string(v) == "null" {
			return false
		}
	}
	return true
}

func newTarget(kind Type) (any, bool) {
	switch kind {
	case TypeTool:
		return &ToolPayload{}, true
	case TypeSession:
		return &SessionPayload{}, true
	case TypeSummary:
		return &SummaryPayload{}, true
	case TypeAgent:
		return &AgentPayload{}, true
	case TypeError:
		return &ErrorPayload{}, true
	case TypeFileChange:
		return &FileChangePayload{}, true
	case TypeAgentSpawn:
		return &AgentSpawnPayload{}, true
	case TypeSkillInvocation:
		return &SkillInvocationPayload{}, true
	case TypeTokenUsage:
		return &TokenUsagePayload{}, true
	case TypeSessionMetrics:
		return &SessionMetricsPayload{}, true
	case TypeModelDistrib:
		return &ModelDistributionPayload{}, true
	case TypeTodoProgress:
		return &TodoProgressPayload{}, true
	case TypeActivityPattern:
		return &ActivityPatternPayload{}, true
	case TypeProjectActivity:
		return &ProjectActivityPayload{}, true
	case TypeActivity:
		return &ActivityPayload{}, true
	default:
		return nil, false
	}
}

func (p *Payload) assign(kind Type, target any) {
	switch kind {
	case TypeTool:
		p.Tool = target.(*ToolPayload)
	case TypeSession:
		p.Session = target.(*SessionPayload)
	case TypeSummary:
		p.Summary = target.(*SummaryPayload)
	case TypeAgent:
		p.Agent = target.(*AgentPayload)
	case TypeError:
		p.Error = target.(*ErrorPayload)
	case TypeFileChange:
		p.FileChange = target.(*FileChangePayload)
	case TypeAgentSpawn:
		p.AgentSpawn = target.(*AgentSpawnPayload)
	case TypeSkillInvocation:
		p.SkillInvocation = target.(*SkillInvocationPayload)
	case TypeTokenUsage:
		p.TokenUsage = target.(*TokenUsagePayload)
	case TypeSessionMetrics:
		p.SessionMetrics = target.(*SessionMetricsPayload)
	case TypeModelDistrib:
		p.ModelDistribution = target.(*ModelDistributionPayload)
	case TypeTodoProgress:
		p.TodoProgress = target.(*TodoProgressPayload)
	case TypeActivityPattern:
		p.ActivityPattern = target.(*ActivityPatternPayload)
	case TypeProjectActivity:
		p.ProjectActivity = target.(*ProjectActivityPayload)
	case TypeActivity:
		p.Activity = target.(*ActivityPayload)
	}
}

// Project extracts the project field from whichever variant carries one.
// Variants without a project concept return (_, false), which a broadcast
// filter treats as "never satisfies a project filter".
func (p Payload) Project() (string, bool) {
	switch p.Kind {
	case TypeSession:
		return p.Session.Project, true
	case TypeTool:
		if p.Tool.Project != nil {
			return *p.Tool.Project, true
		}
		return "", false
	case TypeActivity:
		if p.Activity.Project != nil {
			return *p.Activity.Project, true
		}
		return "", false
	case TypeSkillInvocation:
		return p.SkillInvocation.Project, true
	case TypeProjectActivity:
		return p.ProjectActivity.ProjectPath, true
	default:
		return "", false
	}
}
