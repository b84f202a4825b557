package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/logparse"
	"github.com/acceltune/platform/pkg/observability/metrics"
	"github.com/acceltune/platform/pkg/runtime"
	"github.com/google/uuid"
)

type Options struct {
	StopSignal   string
	StopTimeout  time.Duration
	Network      string
	RemoveOnExit bool
	// SettleAttempts bounds retries of the terminal status write.
	SettleAttempts int
}

// Controller owns job state transitions. At most one run of a given kind
// and name is active at a time; the store arbitrates concurrent callers.
type Controller struct {
	repo     *Repository
	runtime  runtime.Runtime
	profiles *Profiles
	events   EventPublisher
	opts     Options

	watchers sync.WaitGroup
}

func NewController(repo *Repository, rt runtime.Runtime, profiles *Profiles, events EventPublisher, opts Options) *Controller {
	if opts.StopSignal == "" {
		opts.StopSignal = "SIGINT"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.SettleAttempts <= 0 {
		opts.SettleAttempts = 3
	}
	if profiles == nil {
		profiles = NewProfiles(nil)
	}
	return &Controller{
		repo:     repo,
		runtime:  rt,
		profiles: profiles,
		events:   events,
		opts:     opts,
	}
}

func validateRef(kind models.JobKind, name string) error {
	if !kind.Valid() {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"path", "kind"}, Msg: "unknown job kind", Input: string(kind)}
	}
	if !namePattern.MatchString(name) {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"path", "name"}, Msg: "name must match " + namePattern.String(), Input: name}
	}
	return nil
}

// Create registers a job record in setup state. An empty name is replaced
// by a generated one.
func (c *Controller) Create(ctx context.Context, kind models.JobKind, input CreateJobInput) (models.Job, error) {
	name := input.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8])
	}
	if err := validateRef(kind, name); err != nil {
		return models.Job{}, err
	}
	return c.repo.Create(ctx, kind, name, input.Metadata)
}

func (c *Controller) Status(ctx context.Context, kind models.JobKind, name string) (models.Job, error) {
	if err := validateRef(kind, name); err != nil {
		return models.Job{}, err
	}
	return c.repo.Get(ctx, kind, name)
}

func (c *Controller) List(ctx context.Context, kind models.JobKind) ([]models.Job, error) {
	if !kind.Valid() {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"path", "kind"}, Msg: "unknown job kind", Input: string(kind)}
	}
	return c.repo.List(ctx, kind)
}

func (c *Controller) UpdateMetadata(ctx context.Context, kind models.JobKind, name string, metadata map[string]interface{}) error {
	if _, err := c.Status(ctx, kind, name); err != nil {
		return err
	}
	return c.repo.UpdateMetadata(ctx, kind, name, metadata)
}

func (c *Controller) Delete(ctx context.Context, kind models.JobKind, name string) error {
	job, err := c.Status(ctx, kind, name)
	if err != nil {
		return err
	}
	if job.Status == models.StatusActive {
		return apperr.Newf(apperr.KindConflict, "%s job %q is active", kind, name)
	}
	return c.repo.Delete(ctx, kind, name)
}

// Start launches a new run and returns its container id. It fails with
// Conflict while the job is active and never touches runtime_ref then.
func (c *Controller) Start(ctx context.Context, kind models.JobKind, name string, spec LaunchSpec) (string, error) {
	if err := validateRef(kind, name); err != nil {
		return "", err
	}
	rec, err := c.repo.get(ctx, kind, name)
	if err != nil {
		return "", err
	}
	if rec.Status == models.StatusActive {
		return "", apperr.Newf(apperr.KindConflict, "%s job %q is already active", kind, name)
	}

	spec = c.profiles.Merge(kind, spec)
	if spec.Image == "" {
		return "", &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body", "image"}, Msg: "no image given and no launch profile for kind " + string(kind)}
	}
	if spec.Network == "" {
		spec.Network = c.opts.Network
	}

	runID := uuid.New().String()
	ok, err := c.repo.Claim(ctx, kind, name, rec.Status, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Newf(apperr.KindConflict, "%s job %q changed status concurrently", kind, name)
	}

	log := logger.ForJob(string(kind), name).WithField("run_id", runID)
	id, err := c.launch(ctx, kind, name, runID, spec)
	if err != nil {
		log.WithError(err).Error("failed to launch job container")
		if _, settleErr := c.repo.Settle(context.Background(), kind, name, runID, models.StatusFailed); settleErr != nil {
			log.WithError(settleErr).Error("failed to mark job failed after launch error")
		}
		c.publish(kind, name, "job.failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
		return "", err
	}

	metrics.ObserveJobStarted()
	recorded, refErr := c.repo.SetRuntimeRef(ctx, kind, name, runID, id)
	// the ref is written before the watcher exists, so settling always
	// comes after it and clears it
	c.watchers.Add(1)
	go c.watch(kind, name, runID, id)

	if refErr != nil {
		log.WithError(refErr).WithField("container", id).Error("failed to record runtime reference")
		return id, refErr
	}
	if !recorded {
		log.WithField("container", id).Warn("run ended before its runtime reference was recorded")
		return id, nil
	}

	log.WithField("container", id).Info("job started")
	c.publish(kind, name, "job.started", map[string]interface{}{"run_id": runID, "runtime_ref": id})
	return id, nil
}

func (c *Controller) launch(ctx context.Context, kind models.JobKind, name, runID string, spec LaunchSpec) (string, error) {
	id, err := c.runtime.Create(ctx, runtime.CreateOptions{
		Name:    fmt.Sprintf("acceltune-%s-%s-%s", kind, name, runID[:8]),
		Image:   spec.Image,
		Cmd:     spec.Cmd,
		Env:     spec.Env,
		Mounts:  spec.Mounts,
		Network: spec.Network,
		GPUs:    spec.GPUs,
		Labels: map[string]string{
			"acceltune.job.kind": string(kind),
			"acceltune.job.name": name,
			"acceltune.run.id":   runID,
		},
	})
	if err != nil {
		return "", err
	}
	if err := c.runtime.Start(ctx, id); err != nil {
		if rmErr := c.runtime.Remove(context.Background(), id); rmErr != nil {
			logger.Log.WithError(rmErr).WithField("container", id).Warn("failed to remove container that did not start")
		}
		return "", err
	}
	return id, nil
}

// Stop marks an active job stopped and asks the runtime to stop its
// container. When the stop call fails the status stays stopped and the
// error is returned; the run's watcher still records the real exit status
// once the container ends.
func (c *Controller) Stop(ctx context.Context, kind models.JobKind, name string) error {
	if err := validateRef(kind, name); err != nil {
		return err
	}
	rec, err := c.repo.get(ctx, kind, name)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusActive {
		return apperr.Newf(apperr.KindNotFound, "%s job %q is not active", kind, name)
	}
	ref := rec.runtimeRef()
	if ref == "" {
		return apperr.Newf(apperr.KindConflict, "%s job %q is still starting", kind, name)
	}

	ok, err := c.repo.Settle(ctx, kind, name, rec.RunID, models.StatusStopped)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindConflict, "%s job %q was restarted concurrently", kind, name)
	}

	log := logger.ForJob(string(kind), name).WithField("container", ref)
	if err := c.runtime.Stop(ctx, ref, c.opts.StopSignal, c.opts.StopTimeout); err != nil {
		log.WithError(err).Error("stop request failed, job left marked stopped")
		return fmt.Errorf("stopping %s job %q: %w", kind, name, err)
	}
	log.Info("job stop requested")
	c.publish(kind, name, "job.stop_requested", map[string]interface{}{"run_id": rec.RunID})
	return nil
}

// Logs follows the container output of an active job through the log
// parser. The returned channels close when the stream ends or ctx is done.
func (c *Controller) Logs(ctx context.Context, kind models.JobKind, name string, follow bool, tail int) (<-chan logparse.Event, <-chan error, error) {
	if err := validateRef(kind, name); err != nil {
		return nil, nil, err
	}
	rec, err := c.repo.get(ctx, kind, name)
	if err != nil {
		return nil, nil, err
	}
	ref := rec.runtimeRef()
	if rec.Status != models.StatusActive || ref == "" {
		return nil, nil, apperr.Newf(apperr.KindNotFound, "%s job %q is not active", kind, name)
	}
	rc, err := c.runtime.TailLogs(ctx, ref, follow, tail)
	if err != nil {
		return nil, nil, err
	}

	events, errc := logparse.NewParser().Stream(ctx, rc)
	out := make(chan logparse.Event)
	go func() {
		defer close(out)
		// closing the reader unblocks a scan waiting on a quiet container
		defer rc.Close()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}

// Recover attaches watchers to runs persisted as active, typically after a
// process restart. Runs without a container are marked failed.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	attached := 0
	for _, kind := range models.JobKinds {
		recs, err := c.repo.list(ctx, kind)
		if err != nil {
			return attached, err
		}
		for _, rec := range recs {
			if rec.Status != models.StatusActive {
				continue
			}
			ref := rec.runtimeRef()
			if ref == "" || rec.RunID == "" {
				logger.ForJob(string(kind), rec.Name).Warn("active job without runtime reference, marking failed")
				if _, err := c.repo.Settle(ctx, kind, rec.Name, rec.RunID, models.StatusFailed); err != nil {
					return attached, err
				}
				continue
			}
			metrics.ObserveJobStarted()
			c.watchers.Add(1)
			go c.watch(kind, rec.Name, rec.RunID, ref)
			attached++
		}
	}
	return attached, nil
}

func (c *Controller) publish(kind models.JobKind, name, eventType string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	data["kind"] = string(kind)
	data["name"] = name
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.PublishEvent(ctx, eventType, string(kind)+"/"+name, data); err != nil {
		logger.ForJob(string(kind), name).WithError(err).Warn("failed to publish lifecycle event")
	}
}
