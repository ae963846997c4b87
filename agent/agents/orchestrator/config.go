package orchestrator

import (
	"fmt"
	"time"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/planner"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/selector"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// Config collects the tunables of every reasoning component. It is loaded
// with the ORCHESTRATOR prefix.
type Config struct {
	DefaultAgentID   string        `split_words:"true"`
	RunTimeout       time.Duration `split_words:"true" default:"2m"`
	ToolTimeout      time.Duration `split_words:"true" default:"10s"`
	RetrievalTopK    int           `split_words:"true" default:"4"`
	PhaseConcurrency int           `split_words:"true" default:"4"`
	HistoryTimeout   time.Duration `split_words:"true" default:"3s"`

	Selector selector.Config
	Planner  planner.Config
	ReAct    react.Config
	Retry    retry.Config
}

func DefaultConfig() Config {
	return Config{
		RunTimeout:       2 * time.Minute,
		ToolTimeout:      10 * time.Second,
		RetrievalTopK:    4,
		PhaseConcurrency: 4,
		HistoryTimeout:   3 * time.Second,
		Planner:          planner.Config{MaxSubQuestions: 6},
		ReAct:            react.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.RunTimeout < 0 || c.ToolTimeout < 0 || c.HistoryTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", contractx.ErrConfiguration)
	}
	if c.RetrievalTopK < 0 || c.PhaseConcurrency < 0 {
		return fmt.Errorf("%w: retrieval_top_k and phase_concurrency must not be negative", contractx.ErrConfiguration)
	}
	if c.Selector.SimilarityFloor < 0 || c.Selector.SimilarityFloor > 1 {
		return fmt.Errorf("%w: selector similarity floor must be within [0,1]", contractx.ErrConfiguration)
	}
	if c.ReAct.AcceptanceThreshold < 0 || c.ReAct.AcceptanceThreshold > 1 {
		return fmt.Errorf("%w: react acceptance threshold must be within [0,1]", contractx.ErrConfiguration)
	}
	return nil
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = d.RetrievalTopK
	}
	if c.PhaseConcurrency <= 0 {
		c.PhaseConcurrency = d.PhaseConcurrency
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = d.HistoryTimeout
	}
	return c
}
