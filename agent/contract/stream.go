package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChunkKind string

const (
	KindStatus        ChunkKind = "status"
	KindAgentSelected ChunkKind = "agent_selected"
	KindReasoningStep ChunkKind = "reasoning_step"
	KindCitation      ChunkKind = "citation"
	KindToolCall      ChunkKind = "tool_call"
	KindToken         ChunkKind = "token"
	KindFinal         ChunkKind = "final"
	KindError         ChunkKind = "error"
)

// Envelope is stamped on every chunk by the emitter.
type Envelope struct {
	RunID         string    `json:"run_id"`
	Seq           int64     `json:"seq"`
	PhaseID       string    `json:"phase_id,omitempty"`
	SubQuestionID string    `json:"sub_question_id,omitempty"`
	At            time.Time `json:"at"`
}

func (e Envelope) Meta() Envelope { return e }

func (e *Envelope) setEnvelope(env Envelope) { *e = env }

// Chunk is the closed set of stream events. Only types in this package implement it.
type Chunk interface {
	Kind() ChunkKind
	Meta() Envelope
	setEnvelope(Envelope)
}

// Stamp sets the envelope on c. Used by emitters.
func Stamp(c Chunk, env Envelope) Chunk {
	c.setEnvelope(env)
	return c
}

type RunState string

const (
	StateStarted      RunState = "started"
	StateSelecting    RunState = "selecting_agent"
	StatePlanning     RunState = "planning"
	StatePlanReady    RunState = "plan_ready"
	StatePhaseStarted RunState = "phase_started"
	StatePhaseDone    RunState = "phase_completed"
	StatePhaseFailed  RunState = "phase_failed"
	StatePhaseSkipped RunState = "phase_skipped"
	StateRetrieving   RunState = "retrieving"
	StateDegraded     RunState = "degraded"
	StateSynthesizing RunState = "synthesizing"
	StateCancelled    RunState = "cancelled"
)

type StatusChunk struct {
	Envelope
	State   RunState `json:"state"`
	Message string   `json:"message,omitempty"`
}

func (*StatusChunk) Kind() ChunkKind { return KindStatus }

type AgentSelectedChunk struct {
	Envelope
	AgentID    string  `json:"agent_id"`
	AgentName  string  `json:"agent_name"`
	Similarity float64 `json:"similarity"`
	Composite  float64 `json:"composite"`
	Reason     string  `json:"reason,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
}

func (*AgentSelectedChunk) Kind() ChunkKind { return KindAgentSelected }

type ReasoningStepChunk struct {
	Envelope
	Iteration ReActIteration `json:"iteration"`
}

func (*ReasoningStepChunk) Kind() ChunkKind { return KindReasoningStep }

type CitationChunk struct {
	Envelope
	Citation Citation `json:"citation"`
}

func (*CitationChunk) Kind() ChunkKind { return KindCitation }

type ToolCallChunk struct {
	Envelope
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Null     bool           `json:"null,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (*ToolCallChunk) Kind() ChunkKind { return KindToolCall }

type TokenChunk struct {
	Envelope
	Text string `json:"text"`
}

func (*TokenChunk) Kind() ChunkKind { return KindToken }

type FinalAnswer struct {
	Content       string        `json:"content"`
	Citations     []Citation    `json:"citations,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
	AgentIDs      []string      `json:"agent_ids,omitempty"`
	Path          ExecutionPath `json:"path"`
}

type FinalChunk struct {
	Envelope
	Answer FinalAnswer `json:"answer"`
}

func (*FinalChunk) Kind() ChunkKind { return KindFinal }

type ErrorChunk struct {
	Envelope
	Code      string `json:"code"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (*ErrorChunk) Kind() ChunkKind { return KindError }

// UnknownChunk carries a kind this build does not recognize.
type UnknownChunk struct {
	Envelope
	RawKind ChunkKind       `json:"kind"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

func (c *UnknownChunk) Kind() ChunkKind { return c.RawKind }

// IsTerminal reports whether c ends a stream.
func IsTerminal(c Chunk) bool {
	switch v := c.(type) {
	case *FinalChunk, *ErrorChunk:
		return true
	case *StatusChunk:
		return v.State == StateCancelled
	default:
		return false
	}
}

// Handler routes chunks by kind. Nil fields are skipped; Unknown receives
// anything not covered by a typed field.
type Handler struct {
	Status        func(*StatusChunk)
	AgentSelected func(*AgentSelectedChunk)
	ReasoningStep func(*ReasoningStepChunk)
	Citation      func(*CitationChunk)
	ToolCall      func(*ToolCallChunk)
	Token         func(*TokenChunk)
	Final         func(*FinalChunk)
	Error         func(*ErrorChunk)
	Unknown       func(Chunk)
}

func Dispatch(c Chunk, h Handler) {
	switch v := c.(type) {
	case *StatusChunk:
		if h.Status != nil {
			h.Status(v)
		}
	case *AgentSelectedChunk:
		if h.AgentSelected != nil {
			h.AgentSelected(v)
		}
	case *ReasoningStepChunk:
		if h.ReasoningStep != nil {
			h.ReasoningStep(v)
		}
	case *CitationChunk:
		if h.Citation != nil {
			h.Citation(v)
		}
	case *ToolCallChunk:
		if h.ToolCall != nil {
			h.ToolCall(v)
		}
	case *TokenChunk:
		if h.Token != nil {
			h.Token(v)
		}
	case *FinalChunk:
		if h.Final != nil {
			h.Final(v)
		}
	case *ErrorChunk:
		if h.Error != nil {
			h.Error(v)
		}
	default:
		if h.Unknown != nil {
			h.Unknown(c)
		}
	}
}

type wireChunk struct {
	Kind ChunkKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodeChunk(c Chunk) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil chunk", ErrValidation)
	}
	var (
		data []byte
		err  error
	)
	if u, ok := c.(*UnknownChunk); ok && len(u.Raw) > 0 {
		data = u.Raw
	} else if data, err = json.Marshal(c); err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", c.Kind(), err)
	}
	return json.Marshal(wireChunk{Kind: c.Kind(), Data: data})
}

// DecodeChunk never fails on an unrecognized kind; it returns an UnknownChunk.
func DecodeChunk(raw []byte) (Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}

	var c Chunk
	switch w.Kind {
	case KindStatus:
		c = &StatusChunk{}
	case KindAgentSelected:
		c = &AgentSelectedChunk{}
	case KindReasoningStep:
		c = &ReasoningStepChunk{}
	case KindCitation:
		c = &CitationChunk{}
	case KindToolCall:
		c = &ToolCallChunk{}
	case KindToken:
		c = &TokenChunk{}
	case KindFinal:
		c = &FinalChunk{}
	case KindError:
		c = &ErrorChunk{}
	default:
		u := &UnknownChunk{RawKind: w.Kind, Raw: w.Data}
		var env Envelope
		if len(w.Data) > 0 {
			_ = json.Unmarshal(w.Data, &env)
		}
		u.Envelope = env
		return u, nil
	}

	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, c); err != nil {
			return nil, fmt.Errorf("decode %s chunk: %w", w.Kind, err)
		}
	}
	return c, nil
}
