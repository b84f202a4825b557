package deploy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/store"
)

const (
	fieldJobName         = "job_name"
	fieldDeviceID        = "device_id"
	fieldStatus          = "status"
	fieldProgress        = "upload_progress"
	fieldError           = "error"
	fieldCancelRequested = "cancel_requested"
	fieldCreatedAt       = "created_at"
	fieldModifiedAt      = "modified_at"
)

// Records persists one hash per (job, device) pair. A record is overwritten
// when the pair is deployed again.
type Records struct {
	store store.Store
	keys  store.Keyspace
}

func NewRecords(s store.Store, keys store.Keyspace) *Records {
	return &Records{store: s, keys: keys}
}

func (r *Records) key(job, device string) string {
	return r.keys.Key("deployment", job, device)
}

func (r *Records) progressKey(job, device string) string {
	return r.keys.Key("deployment-progress", job, device)
}

func (r *Records) cancelChannel(job, device string) string {
	return r.keys.Key("deployment-cancel", job, device)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Claim marks the pair active. It reports false when a deployment of the
// pair is already active.
func (r *Records) Claim(ctx context.Context, job, device string) (bool, error) {
	fields, err := r.store.HGetAll(ctx, r.key(job, device))
	if err != nil {
		return false, err
	}
	observed := fields[fieldStatus]
	if models.JobStatus(observed) == models.StatusActive {
		return false, nil
	}
	ts := now()
	return r.store.CompareAndSet(ctx, r.key(job, device), fieldStatus, observed, map[string]string{
		fieldJobName:         job,
		fieldDeviceID:        device,
		fieldStatus:          string(models.StatusActive),
		fieldProgress:        "0",
		fieldError:           "",
		fieldCancelRequested: "",
		fieldCreatedAt:       ts,
		fieldModifiedAt:      ts,
	})
}

func (r *Records) Get(ctx context.Context, job, device string) (models.DeploymentRecord, error) {
	fields, err := r.store.HGetAll(ctx, r.key(job, device))
	if err != nil {
		return models.DeploymentRecord{}, err
	}
	if fields[fieldStatus] == "" {
		return models.DeploymentRecord{}, apperr.Newf(apperr.KindNotFound, "no deployment of %q to device %s", job, device)
	}
	rec := models.DeploymentRecord{
		JobName:  fields[fieldJobName],
		DeviceID: fields[fieldDeviceID],
		Status:   models.JobStatus(fields[fieldStatus]),
		Error:    fields[fieldError],
	}
	if rec.UploadProgress, err = strconv.ParseFloat(fields[fieldProgress], 64); err != nil {
		return models.DeploymentRecord{}, apperr.Wrap(apperr.KindStore, err, "decoding upload_progress")
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err != nil {
		return models.DeploymentRecord{}, apperr.Wrap(apperr.KindStore, err, "decoding created_at")
	}
	if rec.ModifiedAt, err = time.Parse(time.RFC3339Nano, fields[fieldModifiedAt]); err != nil {
		return models.DeploymentRecord{}, apperr.Wrap(apperr.KindStore, err, "decoding modified_at")
	}
	return rec, nil
}

// SetProgress records an upload fraction while the deployment is active.
// Callers only ever pass non-decreasing values.
func (r *Records) SetProgress(ctx context.Context, job, device string, fraction float64) error {
	_, err := r.store.CompareAndSet(ctx, r.key(job, device), fieldStatus, string(models.StatusActive), map[string]string{
		fieldProgress:   strconv.FormatFloat(fraction, 'f', 4, 64),
		fieldModifiedAt: now(),
	})
	return err
}

// RequestCancel flags an active deployment as cancelled. It reports false
// when the pair has no active deployment.
func (r *Records) RequestCancel(ctx context.Context, job, device string) (bool, error) {
	return r.store.CompareAndSet(ctx, r.key(job, device), fieldStatus, string(models.StatusActive), map[string]string{
		fieldCancelRequested: "1",
		fieldModifiedAt:      now(),
	})
}

func (r *Records) CancelRequested(ctx context.Context, job, device string) (bool, error) {
	v, err := r.store.HGet(ctx, r.key(job, device), fieldCancelRequested)
	if errors.Is(err, store.ErrNil) {
		return false, nil
	}
	return v == "1", err
}

// Finish writes the terminal status of the deployment.
func (r *Records) Finish(ctx context.Context, job, device string, status models.JobStatus, msg string) error {
	values := map[string]string{
		fieldStatus:     string(status),
		fieldError:      msg,
		fieldModifiedAt: now(),
	}
	if status == models.StatusFinish {
		values[fieldProgress] = "1.0000"
	}
	return r.store.HSet(ctx, r.key(job, device), values)
}
