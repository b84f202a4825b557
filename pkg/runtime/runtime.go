package runtime

import (
	"context"
	"io"
	"time"
)

// Exit codes a container reports after being ended by a stop signal.
const (
	ExitSIGINT  = 128 + 2
	ExitSIGKILL = 128 + 9
)

type Mount struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

type CreateOptions struct {
	Name    string
	Image   string
	Cmd     []string
	Env     map[string]string
	Mounts  []Mount
	Labels  map[string]string
	Network string
	// GPUs is the number of GPUs requested; -1 requests all, 0 none.
	GPUs int
}

// Runtime is the container engine as seen by the controller. Errors are
// *apperr.Error of kind not_found, conflict or runtime_error.
type Runtime interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, signal string, wait time.Duration) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, id string) error
	// TailLogs returns the demultiplexed stdout+stderr text of the container.
	TailLogs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error)
}
