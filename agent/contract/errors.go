package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentInactive    = errors.New("agent is inactive")
	ErrAgentSelection   = errors.New("agent selection failed")
	ErrPlanning         = errors.New("planning failed")
	ErrRetrieval        = errors.New("retrieval failed")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolFailed       = errors.New("tool execution failed")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrDatastore        = errors.New("datastore failure")
	ErrNoPhaseSucceeded = errors.New("no sub-question reached a conclusion")
)
