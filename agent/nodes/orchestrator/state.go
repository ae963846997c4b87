// Package orchestratornode holds the graph steps shared by the four mode
// graphs. Every step reads and updates one GraphState.
package orchestratornode

import (
	"context"
	"sync"
	"time"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/expert"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	streamx "github.com/tanpawarit/Chative-Expert-Panel/agent/stream"
)

// Reasoner runs the ReAct loop for one sub-question.
type Reasoner interface {
	Run(ctx context.Context, req react.Request, obs react.Observer) (react.Result, error)
}

// Answerer produces user-facing text for single-shot and synthesized answers.
type Answerer interface {
	Answer(ctx context.Context, req expert.AnswerRequest, onToken func(string)) (string, error)
	Synthesize(ctx context.Context, req expert.SynthesisRequest, onToken func(string)) (string, error)
	PlanTools(ctx context.Context, agent contractx.Agent, question string, history []contractx.Turn) ([]contractx.ToolRequest, error)
}

type Settings struct {
	DefaultAgentID   string
	RetrievalTopK    int
	ToolTimeout      time.Duration
	PhaseConcurrency int
	Policy           retry.Policy
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Directory contractx.AgentDirectory
	Selector  contractx.Selector
	Planner   contractx.Planner
	Reasoner  Reasoner
	Answerer  Answerer
	Retriever contractx.Retriever
	Tools     contractx.ToolInvoker
	History   contractx.ConversationStore
	Settings  Settings
}

// GraphState is the per-run state threaded through a mode graph.
type GraphState struct {
	RunID   string
	Config  contractx.ModeConfig
	Now     time.Time
	Emitter *streamx.Emitter

	History   []contractx.Turn
	Agent     *contractx.Agent
	Selection *contractx.Selection
	Plan      *contractx.ExecutionPlan
	Tracker   *PhaseTracker

	Evidence    []contractx.EvidenceSource
	Citations   []contractx.Citation
	ToolResults []contractx.ToolResult
	Degraded    bool

	Answer        string
	Path          contractx.ExecutionPath
	Confidence    *float64
	LowConfidence bool

	// Err keeps the classified failure of the step that stopped the graph.
	Err *retry.Error

	mu         sync.Mutex
	agentIDs   []string
	iterations int
	stages     map[contractx.Stage]time.Duration
}

func NewGraphState(runID string, cfg contractx.ModeConfig, emitter *streamx.Emitter, now time.Time) *GraphState {
	return &GraphState{
		RunID:   runID,
		Config:  cfg,
		Now:     now.UTC(),
		Emitter: emitter,
		History: cfg.History,
		stages:  make(map[contractx.Stage]time.Duration),
	}
}

// Observe adds the time since started to stage.
func (s *GraphState) Observe(stage contractx.Stage, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage] += time.Since(started)
}

func (s *GraphState) Stages() map[contractx.Stage]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[contractx.Stage]time.Duration, len(s.stages))
	for k, v := range s.stages {
		out[k] = v
	}
	return out
}

// UseAgent records an agent that contributed to the answer.
func (s *GraphState) UseAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agentIDs {
		if existing == id {
			return
		}
	}
	s.agentIDs = append(s.agentIDs, id)
}

func (s *GraphState) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.agentIDs...)
}

func (s *GraphState) AddIterations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations += n
}

func (s *GraphState) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}

// fail records the classified error and returns it so steps can end with
// `return nil, in.fail(scope, err)`.
func (s *GraphState) fail(scope retry.Scope, err error) error {
	rec := retry.Classify(scope, err)
	s.Err = rec
	return rec
}

func (s *GraphState) status(state contractx.RunState, message string) {
	s.Emitter.Emit(&contractx.StatusChunk{State: state, Message: message})
}

func (s *GraphState) statusScoped(phaseID, subQuestionID string, state contractx.RunState, message string) {
	s.Emitter.EmitScoped(phaseID, subQuestionID, &contractx.StatusChunk{State: state, Message: message})
}

// number appends evidence not yet cited and emits a citation for each new
// source. Numbers are 1-based and stable for the run.
func (s *GraphState) number(evidence []contractx.EvidenceSource) {
	seen := make(map[string]struct{}, len(s.Evidence))
	for _, e := range s.Evidence {
		seen[e.ID] = struct{}{}
	}
	for _, e := range evidence {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		s.Evidence = append(s.Evidence, e)
		c := contractx.CitationFor(len(s.Evidence), e)
		s.Citations = append(s.Citations, c)
		s.Emitter.Emit(&contractx.CitationChunk{Citation: c})
	}
}
