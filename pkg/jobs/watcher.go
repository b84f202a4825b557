package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/acceltune/platform/pkg/common/httpclient"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/observability/metrics"
)

// watch blocks until the container of run runID exits and persists the
// terminal status. The status is written exactly once per run, also when
// waiting fails or panics.
func (c *Controller) watch(kind models.JobKind, name, runID, ref string) {
	defer c.watchers.Done()
	log := logger.ForJob(string(kind), name).WithFields(map[string]interface{}{
		"run_id":    runID,
		"container": ref,
	})

	status := models.StatusFailed
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("job watcher panicked")
			status = models.StatusFailed
		}
		c.settle(kind, name, runID, ref, status)
	}()

	code, err := c.runtime.Wait(context.Background(), ref)
	if err != nil {
		log.WithError(err).Error("waiting for job container failed")
		return
	}
	status = StatusForExitCode(code)
	log.WithField("exit_code", code).Info("job container exited")
}

func (c *Controller) settle(kind models.JobKind, name, runID, ref string, status models.JobStatus) {
	log := logger.ForJob(string(kind), name).WithField("run_id", runID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var applied bool
	err := httpclient.RetryWhen(ctx, c.opts.SettleAttempts, 200*time.Millisecond, httpclient.IsRetriable, func() error {
		ok, err := c.repo.Settle(ctx, kind, name, runID, status)
		applied = ok
		return err
	})
	switch {
	case err != nil:
		log.WithError(err).WithField("status", status).Error("failed to persist terminal job status")
	case !applied:
		log.Debug("run superseded before its terminal status was written")
	default:
		log.WithField("status", status).Info("job settled")
	}
	metrics.ObserveJobSettled(status)

	if c.opts.RemoveOnExit {
		if err := c.runtime.Remove(ctx, ref); err != nil {
			log.WithError(err).WithField("container", ref).Warn("failed to remove exited container")
		}
	}
	c.publish(kind, name, "job."+string(status), map[string]interface{}{"run_id": runID})
}

// Wait blocks until every watcher has settled or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
