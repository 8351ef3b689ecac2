package plugin

import (
	"context"
	"time"
)

// Kind classifies how a plugin is executed.
type Kind string

const (
	KindSubprocess   Kind = "subprocess"
	KindDistributed  Kind = "distributed"
	KindPreprocessor Kind = "preprocessor"
	KindService      Kind = "service"
	KindStatic       Kind = "static"
	KindInternal     Kind = "internal"
	KindDirect       Kind = "direct"
)

// Command is one invocation a plugin advertises.
type Command struct {
	Command     string
	Description string
	Example     string
}

// Message is one chat message flowing through the preprocessor pipeline.
type Message map[string]any

// PreprocessFunc transforms a message list before it reaches the model.
type PreprocessFunc func(ctx context.Context, messages []Message) ([]Message, error)

// Descriptor describes a registered plugin.
type Descriptor struct {
	ID          string
	Name        string
	Version     string
	Description string
	Kind        Kind
	Commands    []Command

	// Subprocess plugins.
	Entry          string
	Dir            string
	ConfigDefaults map[string]string
	Timeout        time.Duration

	// Distributed plugins.
	SessionID string

	// Preprocessor plugins.
	Preprocess PreprocessFunc

	// Service plugins.
	Service any

	// Static plugins.
	StaticValues map[string]string
}
