package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/httpclient"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/jobs"
	"github.com/acceltune/platform/pkg/observability/metrics"
	"github.com/acceltune/platform/pkg/store"
	"github.com/acceltune/platform/pkg/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// JobController is the part of the job controller a deployment drives.
type JobController interface {
	Create(ctx context.Context, kind models.JobKind, input jobs.CreateJobInput) (models.Job, error)
	Status(ctx context.Context, kind models.JobKind, name string) (models.Job, error)
	Start(ctx context.Context, kind models.JobKind, name string, spec jobs.LaunchSpec) (string, error)
}

type DeviceLookup interface {
	Get(ctx context.Context, id string) (models.DeviceRegistration, error)
}

// EventWriter delivers one event of the deployment stream to the caller.
type EventWriter func(models.Envelope) error

type Options struct {
	ArtifactRoot        string
	TempDir             string
	UploadPath          string
	ChunkSize           int
	PollInterval        time.Duration
	MaxDependencyPolls  int
	DependencyRetries   int
	QueuePopTimeout     time.Duration
	StatusWriteAttempts int
	ProgressTTL         time.Duration
}

type Streamer struct {
	store   store.Store
	records *Records
	jobs    JobController
	devices DeviceLookup
	events  jobs.EventPublisher
	opts    Options
}

func NewStreamer(s store.Store, keys store.Keyspace, jc JobController, devices DeviceLookup, events jobs.EventPublisher, opts Options) *Streamer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50 * 1024 * 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.QueuePopTimeout <= 0 {
		opts.QueuePopTimeout = time.Second
	}
	if opts.StatusWriteAttempts <= 0 {
		opts.StatusWriteAttempts = 3
	}
	if opts.ProgressTTL <= 0 {
		opts.ProgressTTL = time.Hour
	}
	if opts.UploadPath == "" {
		opts.UploadPath = "/api/v1/deploy"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Streamer{
		store:   s,
		records: NewRecords(s, keys),
		jobs:    jc,
		devices: devices,
		events:  events,
		opts:    opts,
	}
}

// Deployment is one claimed (job, device) pair. Stream must be called
// exactly once; it owns the record until it returns.
type Deployment struct {
	JobName    string
	DeviceID   string
	SourceKind models.JobKind
	// ArchivePath is the temporary package file, removed before Stream returns.
	ArchivePath string

	s        *Streamer
	device   models.DeviceRegistration
	pkg      *Package
	emit     EventWriter
	progress float64
	log      *logrus.Entry
}

var errCancelRequested = apperr.New(apperr.KindCancelled, "deployment cancelled on request")

// Prepare validates req and claims the deployment record. Nothing is
// written when validation fails.
func (s *Streamer) Prepare(ctx context.Context, req models.DeployRequest) (*Deployment, error) {
	if req.JobName == "" {
		return nil, apperr.Invalid("job_name", req.JobName, "job_name is required")
	}
	if req.DeviceID == "" {
		return nil, apperr.Invalid("device_id", req.DeviceID, "device_id is required")
	}
	kind := req.SourceKind
	if kind == "" {
		kind = models.KindTrain
	}
	if !kind.Valid() {
		return nil, apperr.Invalid("source_kind", string(kind), "unknown job kind")
	}

	device, err := s.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Status(ctx, kind, req.JobName)
	if err != nil {
		return nil, err
	}
	if job.Status == models.StatusActive {
		return nil, apperr.Newf(apperr.KindConflict, "%s job %q is still active", kind, req.JobName)
	}

	ok, err := s.records.Claim(ctx, req.JobName, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindConflict, "%q is already being deployed to device %s", req.JobName, req.DeviceID)
	}
	metrics.ObserveDeploymentStarted()

	return &Deployment{
		JobName:    req.JobName,
		DeviceID:   req.DeviceID,
		SourceKind: kind,
		s:          s,
		device:     device,
		log: logger.Log.WithFields(logrus.Fields{
			"job":       req.JobName,
			"device_id": req.DeviceID,
		}),
	}, nil
}

func (s *Streamer) Status(ctx context.Context, job, device string) (models.DeploymentRecord, error) {
	return s.records.Get(ctx, job, device)
}

// Cancel asks the running deployment of the pair to stop. The streaming
// side observes the request through the store.
func (s *Streamer) Cancel(ctx context.Context, job, device string) error {
	ok, err := s.records.RequestCancel(ctx, job, device)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "no active deployment of %q to device %s", job, device)
	}
	return s.store.Publish(ctx, s.records.cancelChannel(job, device), "cancel")
}

func localEvent(action string, progress float64, detail map[string]interface{}) models.Envelope {
	return models.Envelope{
		Origin:  models.OriginLocal,
		Status:  http.StatusOK,
		Message: models.Message{Action: action, Progress: progress, Detail: detail},
	}
}

func errorEvent(err error, progress float64) models.Envelope {
	kind := apperr.KindOf(err)
	origin := models.OriginLocal
	if kind == apperr.KindRemote {
		origin = models.OriginRemote
	}
	detail := map[string]interface{}{}
	if details := apperr.Details(err); len(details) > 0 {
		d := details[0]
		detail = map[string]interface{}{"type": d.Type, "loc": d.Loc, "msg": d.Msg, "input": d.Input}
	}
	return models.Envelope{
		Origin:  origin,
		Status:  apperr.HTTPStatus(kind),
		Message: models.Message{Action: "error", Progress: progress, Detail: detail},
	}
}

func (d *Deployment) send(env models.Envelope) error {
	if err := d.emit(env); err != nil {
		return apperr.Wrap(apperr.KindConnection, err, "writing deployment event")
	}
	return nil
}

// causeOf prefers the cancellation cause of ctx over the error a step
// returned because ctx was cancelled.
func causeOf(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

// Stream runs the deployment and writes its events through emit. Whatever
// happens, the temporary package is removed and the record ends finish or
// failed before Stream returns; a failure is also reported as a final
// error event.
func (d *Deployment) Stream(ctx context.Context, emit EventWriter) (err error) {
	d.emit = emit
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer d.cleanup(&err)

	err = causeOf(ctx, d.run(ctx, cancel))
	return err
}

func (d *Deployment) run(ctx context.Context, cancel context.CancelCauseFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Newf(apperr.KindInternal, "deployment panicked: %v", r)
		}
	}()
	s := d.s

	sub, err := s.store.Subscribe(ctx, s.records.cancelChannel(d.JobName, d.DeviceID))
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		select {
		case _, ok := <-sub.Messages():
			if ok {
				cancel(errCancelRequested)
			}
		case <-ctx.Done():
		}
	}()
	requested, err := s.records.CancelRequested(ctx, d.JobName, d.DeviceID)
	if err != nil {
		return err
	}
	if requested {
		return errCancelRequested
	}

	if err := d.send(localEvent("start", 0, map[string]interface{}{
		"job_name":    d.JobName,
		"device_id":   d.DeviceID,
		"device_name": d.device.DisplayName,
	})); err != nil {
		return err
	}

	dir, err := d.ensureArtifact(ctx)
	if err != nil {
		return err
	}

	d.pkg, err = Pack(ctx, dir, s.opts.TempDir)
	if err != nil {
		return causeOf(ctx, apperr.Wrap(apperr.KindOf(err), err, "packaging "+dir))
	}
	d.ArchivePath = d.pkg.Path
	if err := d.send(localEvent("package", 0, map[string]interface{}{
		"checksum":   d.pkg.Manifest.Checksum,
		"files":      d.pkg.Manifest.Files,
		"total_size": d.pkg.Manifest.TotalSize,
		"size":       d.pkg.Size,
	})); err != nil {
		return err
	}

	if err := d.upload(ctx); err != nil {
		return err
	}

	return d.send(localEvent("finish", 1, map[string]interface{}{"checksum": d.pkg.Manifest.Checksum}))
}

func (d *Deployment) cleanup(errp *error) {
	s := d.s
	if err := d.pkg.Remove(); err != nil {
		d.log.WithError(err).WithField("path", d.pkg.Path).Error("failed to remove deployment package")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, s.records.progressKey(d.JobName, d.DeviceID)); err != nil {
		d.log.WithError(err).Warn("failed to drop progress queue")
	}

	status, msg := models.StatusFinish, ""
	if *errp != nil {
		status = models.StatusFailed
		if details := apperr.Details(*errp); len(details) > 0 {
			msg = details[0].Msg
		}
		d.log.WithError(*errp).Error("deployment failed")
		if err := d.emit(errorEvent(*errp, d.progress)); err != nil {
			d.log.WithError(err).Debug("could not deliver deployment error event")
		}
	}

	persistErr := httpclient.RetryWhen(ctx, s.opts.StatusWriteAttempts, 200*time.Millisecond, httpclient.IsRetriable, func() error {
		return s.records.Finish(ctx, d.JobName, d.DeviceID, status, msg)
	})
	if persistErr != nil {
		persistErr = apperr.Wrap(apperr.KindStore, persistErr, "persisting deployment status "+string(status))
		d.log.WithError(persistErr).Error("failed to persist deployment status")
		if err := d.emit(errorEvent(persistErr, d.progress)); err != nil {
			d.log.WithError(err).Debug("could not deliver deployment error event")
		}
		if *errp == nil {
			*errp = persistErr
		}
	}

	metrics.ObserveDeploymentSettled(status)
	if s.events != nil {
		data := map[string]interface{}{"job_name": d.JobName, "device_id": d.DeviceID, "status": string(status)}
		if msg != "" {
			data["error"] = msg
		}
		if err := s.events.PublishEvent(ctx, "deployment."+string(status), d.JobName+"/"+d.DeviceID, data); err != nil {
			d.log.WithError(err).Warn("failed to publish deployment event")
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ensureArtifact returns the quantized artifact directory of the job,
// running the quantize job first when it is missing. Only a failed run is
// retried.
func (d *Deployment) ensureArtifact(ctx context.Context) (string, error) {
	s := d.s
	dir := filepath.Join(s.opts.ArtifactRoot, d.JobName+"-quantized")
	if isDir(dir) {
		return dir, nil
	}

	depName := d.JobName + "-quantize"
	var lastErr error
	for attempt := 1; attempt <= s.opts.DependencyRetries+1; attempt++ {
		if err := d.send(localEvent("dependency", 0, map[string]interface{}{
			"kind":    string(models.KindQuantize),
			"name":    depName,
			"attempt": attempt,
		})); err != nil {
			return "", err
		}
		status, err := d.runDependency(ctx, depName, dir)
		if err != nil {
			return "", causeOf(ctx, err)
		}
		if status == models.StatusFinish {
			if isDir(dir) {
				return dir, nil
			}
			return "", apperr.Newf(apperr.KindRuntime, "quantize job %q finished without producing %s", depName, dir)
		}
		lastErr = apperr.Newf(apperr.KindRuntime, "quantize job %q ended %s", depName, status)
		if status != models.StatusFailed {
			// a stopped run was ended on purpose
			return "", lastErr
		}
		d.log.WithField("attempt", attempt).WithError(lastErr).Warn("dependency job failed")
	}
	return "", lastErr
}

func (d *Deployment) runDependency(ctx context.Context, name, outDir string) (models.JobStatus, error) {
	jc := d.s.jobs
	job, err := jc.Status(ctx, models.KindQuantize, name)
	if apperr.Is(err, apperr.KindNotFound) {
		job, err = jc.Create(ctx, models.KindQuantize, jobs.CreateJobInput{
			Name:     name,
			Metadata: map[string]interface{}{"source_job": d.JobName, "source_kind": string(d.SourceKind)},
		})
	}
	if err != nil {
		return "", err
	}

	if job.Status != models.StatusActive {
		_, err := jc.Start(ctx, models.KindQuantize, name, jobs.LaunchSpec{
			Env: map[string]string{
				"ACCELTUNE_SOURCE_JOB":  d.JobName,
				"ACCELTUNE_SOURCE_KIND": string(d.SourceKind),
				"ACCELTUNE_OUTPUT_DIR":  outDir,
			},
		})
		if err != nil && !apperr.Is(err, apperr.KindConflict) {
			return "", err
		}
	}
	return d.pollDependency(ctx, name)
}

func (d *Deployment) pollDependency(ctx context.Context, name string) (models.JobStatus, error) {
	s := d.s
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for polls := 0; ; polls++ {
		if s.opts.MaxDependencyPolls > 0 && polls >= s.opts.MaxDependencyPolls {
			return "", apperr.Newf(apperr.KindTimeout, "quantize job %q not finished after %d polls", name, polls)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		job, err := s.jobs.Status(ctx, models.KindQuantize, name)
		if err != nil {
			return "", err
		}
		if job.Status.Terminal() {
			return job.Status, nil
		}
	}
}

// upload sends the package and forwards local and remote progress as they
// arrive.
func (d *Deployment) upload(ctx context.Context) error {
	s := d.s
	queue := s.records.progressKey(d.JobName, d.DeviceID)
	if err := s.store.Delete(ctx, queue); err != nil {
		return err
	}

	client := httpclient.New(0)
	defer client.CloseIdleConnections()

	g, gctx := errgroup.WithContext(ctx)
	up := &uploader{store: s.store, queue: queue, chunkSize: s.opts.ChunkSize, ttl: s.opts.ProgressTTL}
	url := fmt.Sprintf("http://%s%s", d.device.NetworkAddress, s.opts.UploadPath)
	req, pw, mw, err := up.request(gctx, url)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(gctx, func() { pw.CloseWithError(context.Cause(gctx)) })
	defer stop()

	meta := map[string]interface{}{
		"job_name":    d.JobName,
		"device_id":   d.DeviceID,
		"source_kind": string(d.SourceKind),
		"file_name":   filepath.Base(d.pkg.Path),
		"size":        d.pkg.Size,
		"checksum":    d.pkg.Manifest.Checksum,
	}
	g.Go(func() error {
		return up.write(gctx, pw, mw, d.pkg, meta)
	})
	g.Go(func() error {
		results := stream.Merge[models.Envelope](gctx,
			&queueSource{store: s.store, queue: queue, timeout: s.opts.QueuePopTimeout},
			&remoteSource{client: client, req: req},
		)
		for res := range results {
			switch res.Kind {
			case stream.KindOk:
				env := res.Value
				if env.Origin == models.OriginLocal && env.Message.Progress > d.progress {
					d.progress = env.Message.Progress
					if err := s.records.SetProgress(gctx, d.JobName, d.DeviceID, d.progress); err != nil {
						d.log.WithError(err).Warn("failed to record upload progress")
					}
				}
				if err := d.send(env); err != nil {
					return err
				}
			case stream.KindErr:
				return res.Err
			case stream.KindDone:
				return nil
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		return errors.New("progress stream closed without completion")
	})
	return causeOf(ctx, g.Wait())
}
