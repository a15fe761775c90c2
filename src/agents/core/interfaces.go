package core

import "context"

// Agent is one investigative capability. Analyze performs a single pass;
// Reflect proposes the next attempt after a low-confidence pass. Agents are
// shared across investigations and must be safe for concurrent use.
type Agent interface {
	Descriptor() Descriptor
	Analyze(ctx context.Context, msg Message, attempt Attempt) (Analysis, error)
	Reflect(prev Attempt, analysis Analysis) Attempt
}

// Lifecycle allows agents with external resources to be started/stopped.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Factory constructs an agent on first use.
type Factory func() (Agent, error)
