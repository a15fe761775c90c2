package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAgent is matched by every *UnknownAgentError.
	ErrUnknownAgent = errors.New("agents: unknown agent")
	// ErrAgentProcessing is matched by every *AgentProcessingError.
	ErrAgentProcessing = errors.New("agents: processing failed")
)

// UnknownAgentError is returned when a caller asks for an unregistered agent.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agents: unknown agent %q", e.AgentID)
}

// Is lets errors.Is match ErrUnknownAgent.
func (e *UnknownAgentError) Is(target error) bool {
	return target == ErrUnknownAgent
}

// AgentProcessingError wraps a failure raised inside an agent. It is never
// retried by reflection.
type AgentProcessingError struct {
	AgentID   string
	MessageID string
	Iteration int
	Err       error
}

func (e *AgentProcessingError) Error() string {
	return fmt.Sprintf("agents: %s failed on iteration %d: %v", e.AgentID, e.Iteration, e.Err)
}

// Is lets errors.Is match ErrAgentProcessing.
func (e *AgentProcessingError) Is(target error) bool {
	return target == ErrAgentProcessing
}

func (e *AgentProcessingError) Unwrap() error {
	return e.Err
}
