package contract

import (
	"fmt"
	"strings"
	"time"
)

type Mode int

const (
	ModeManualSingleShot Mode = iota + 1
	ModeAutomaticSingleShot
	ModeAutonomousAutomatic
	ModeAutonomousManual
)

func (m Mode) String() string {
	switch m {
	case ModeManualSingleShot:
		return "manual_single_shot"
	case ModeAutomaticSingleShot:
		return "automatic_single_shot"
	case ModeAutonomousAutomatic:
		return "autonomous_automatic"
	case ModeAutonomousManual:
		return "autonomous_manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Autonomous reports whether the mode plans and runs the ReAct loop.
func (m Mode) Autonomous() bool {
	return m == ModeAutonomousAutomatic || m == ModeAutonomousManual
}

// ManualAgent reports whether the caller names the agent.
func (m Mode) ManualAgent() bool {
	return m == ModeManualSingleShot || m == ModeAutonomousManual
}

type AgentTier string

const (
	AgentTierCore         AgentTier = "core"
	AgentTierExperimental AgentTier = "experimental"
)

// Agent is a read-only directory entry describing one expert.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Tags         []string  `json:"tags,omitempty"`
	ToolIDs      []string  `json:"tool_ids,omitempty"`
	Instructions string    `json:"instructions"`
	Tier         AgentTier `json:"tier"`
	Active       bool      `json:"active"`
}

// ScoredAgent is a directory search hit before re-ranking.
type ScoredAgent struct {
	Agent      Agent   `json:"agent"`
	Similarity float64 `json:"similarity"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// ModeConfig is built per request and treated as read-only once validated.
type ModeConfig struct {
	Mode             Mode     `json:"mode"`
	AgentID          string   `json:"agent_id,omitempty"`
	Message          string   `json:"message"`
	History          []Turn   `json:"history,omitempty"`
	RetrievalEnabled bool     `json:"retrieval_enabled"`
	ToolsEnabled     bool     `json:"tools_enabled"`
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	DomainHints      []string `json:"domain_hints,omitempty"`

	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (c ModeConfig) Validate() error {
	if c.Mode < ModeManualSingleShot || c.Mode > ModeAutonomousManual {
		return fmt.Errorf("%w: unsupported mode=%d", ErrValidation, int(c.Mode))
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if c.Mode.ManualAgent() && strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required for mode=%s", ErrValidation, c.Mode)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be within [0,2]", ErrValidation)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be > 0", ErrValidation)
	}
	return nil
}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

func (c Complexity) Valid() bool {
	return c == ComplexityLow || c == ComplexityMedium || c == ComplexityHigh
}

type GoalUnderstanding struct {
	Restatement string     `json:"restatement"`
	Domain      string     `json:"domain"`
	Complexity  Complexity `json:"complexity"`
}

type CoTSubQuestion struct {
	ID        string   `json:"id"`
	Index     int      `json:"index"`
	Question  string   `json:"question"`
	Rationale string   `json:"rationale,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Domain    string   `json:"domain,omitempty"`
}

type ExecutionPhase struct {
	ID             string   `json:"id"`
	Index          int      `json:"index"`
	SubQuestionIDs []string `json:"sub_question_ids"`
	TargetAgentID  string   `json:"target_agent_id,omitempty"`
}

// ExecutionPlan is immutable once produced. Progress is tracked by the caller.
type ExecutionPlan struct {
	Goal         GoalUnderstanding `json:"goal"`
	SubQuestions []CoTSubQuestion  `json:"sub_questions"`
	Phases       []ExecutionPhase  `json:"phases"`
}

func (p ExecutionPlan) SubQuestion(id string) (CoTSubQuestion, bool) {
	for _, q := range p.SubQuestions {
		if q.ID == id {
			return q, true
		}
	}
	return CoTSubQuestion{}, false
}

// Homogeneous reports whether every sub-question targets the goal's domain,
// in which case one agent selection can serve all phases.
func (p ExecutionPlan) Homogeneous() bool {
	goal := strings.ToLower(strings.TrimSpace(p.Goal.Domain))
	for _, q := range p.SubQuestions {
		d := strings.ToLower(strings.TrimSpace(q.Domain))
		if d != "" && d != goal {
			return false
		}
	}
	return true
}

type ActionKind string

const (
	ActionRetrieve ActionKind = "retrieve"
	ActionTool     ActionKind = "tool"
	ActionConclude ActionKind = "conclude"
)

type ReActAction struct {
	Kind  ActionKind     `json:"kind"`
	Query string         `json:"query,omitempty"`
	Tool  string         `json:"tool,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// ReActIteration is appended once per loop turn and never edited afterwards.
type ReActIteration struct {
	Index              int              `json:"index"`
	Thought            string           `json:"thought"`
	Action             ReActAction      `json:"action"`
	Observation        string           `json:"observation"`
	Evidence           []EvidenceSource `json:"evidence,omitempty"`
	EvidenceConfidence float64          `json:"evidence_confidence"`
	Confidence         float64          `json:"confidence"`
	Null               bool             `json:"null,omitempty"`
	Duration           time.Duration    `json:"duration"`
}

type RetrievalFilter struct {
	Domains  []string `json:"domains,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	MinScore float64  `json:"min_score,omitempty"`
}

type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ToolRequest struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ExecutionPath tags which single-shot or autonomous path served a run.
type ExecutionPath string

const (
	PathDirect        ExecutionPath = "direct"
	PathRetrieval     ExecutionPath = "retrieval"
	PathTools         ExecutionPath = "tools"
	PathRetrievalTool ExecutionPath = "retrieval+tools"
	PathReAct         ExecutionPath = "react"
)

func SingleShotPath(retrieval, tools bool) ExecutionPath {
	switch {
	case retrieval && tools:
		return PathRetrievalTool
	case retrieval:
		return PathRetrieval
	case tools:
		return PathTools
	default:
		return PathDirect
	}
}

type Stage string

const (
	StageSelection Stage = "selection"
	StagePlanning  Stage = "planning"
	StageRetrieval Stage = "retrieval"
	StageTools     Stage = "tools"
	StageReAct     Stage = "react"
	StageAnswer    Stage = "answer"
	StageTotal     Stage = "total"
)

type MetricsRecord struct {
	RunID      string                  `json:"run_id"`
	Mode       Mode                    `json:"mode"`
	AgentID    string                  `json:"agent_id,omitempty"`
	Path       ExecutionPath           `json:"path"`
	Stages     map[Stage]time.Duration `json:"stages"`
	Iterations int                     `json:"iterations"`
	Citations  int                     `json:"citations"`
	ErrorCode  string                  `json:"error_code,omitempty"`
	Cancelled  bool                    `json:"cancelled,omitempty"`
	TenantID   string                  `json:"tenant_id,omitempty"`
	At         time.Time               `json:"at"`
}

type AuditOutcome string

const (
	OutcomeCompleted AuditOutcome = "completed"
	OutcomeFailed    AuditOutcome = "failed"
	OutcomeCancelled AuditOutcome = "cancelled"
)

type AuditRecord struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Mode       Mode           `json:"mode"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	AgentIDs   []string       `json:"agent_ids,omitempty"`
	Question   string         `json:"question"`
	Answer     string         `json:"answer,omitempty"`
	Outcome    AuditOutcome   `json:"outcome"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}
