package jobs

import (
	"context"
	"regexp"

	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/runtime"
)

// LaunchSpec describes the container a job runs in. Empty fields are
// filled from the launch profile of the job kind.
type LaunchSpec struct {
	Image   string            `json:"image,omitempty" yaml:"image"`
	Cmd     []string          `json:"cmd,omitempty" yaml:"cmd"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Mounts  []runtime.Mount   `json:"mounts,omitempty" yaml:"mounts"`
	Network string            `json:"network,omitempty" yaml:"network"`
	GPUs    int               `json:"gpus,omitempty" yaml:"gpus"`
}

type CreateJobInput struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata"`
}

// EventPublisher receives lifecycle events; kafka.Producer implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Exit-code mapping of the watcher.
func StatusForExitCode(code int64) models.JobStatus {
	switch code {
	case 0:
		return models.StatusFinish
	case runtime.ExitSIGINT, runtime.ExitSIGKILL:
		return models.StatusStopped
	default:
		return models.StatusFailed
	}
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// record is a job plus the fields the controller keeps private.
type record struct {
	models.Job
	RunID string
}

func (r record) runtimeRef() string {
	if r.RuntimeRef == nil {
		return ""
	}
	return *r.RuntimeRef
}
