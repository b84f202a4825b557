package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/store"
)

// Hash fields of a job record.
const (
	fieldName       = "name"
	fieldKind       = "kind"
	fieldStatus     = "status"
	fieldRuntimeRef = "runtime_ref"
	fieldRunID      = "run_id"
	fieldCreatedAt  = "created_at"
	fieldModifiedAt = "modified_at"
	fieldMetadata   = "metadata"
)

// Repository persists job records as one hash per job, namespaced by kind,
// plus one index hash per kind.
type Repository struct {
	store store.Store
	keys  store.Keyspace
}

func NewRepository(s store.Store, keys store.Keyspace) *Repository {
	return &Repository{store: s, keys: keys}
}

func (r *Repository) key(kind models.JobKind, name string) string {
	return r.keys.Key(string(kind), name)
}

func (r *Repository) indexKey(kind models.JobKind) string {
	return r.keys.Key("index", string(kind))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Create stores a new record in setup state. It fails with Conflict when a
// record with the same kind and name exists.
func (r *Repository) Create(ctx context.Context, kind models.JobKind, name string, metadata map[string]interface{}) (models.Job, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return models.Job{}, apperr.Invalid("metadata", nil, "metadata must be a JSON object")
	}
	ts := now()
	ok, err := r.store.CompareAndSet(ctx, r.key(kind, name), fieldName, "", map[string]string{
		fieldName:       name,
		fieldKind:       string(kind),
		fieldStatus:     string(models.StatusSetup),
		fieldRuntimeRef: "",
		fieldRunID:      "",
		fieldCreatedAt:  ts,
		fieldModifiedAt: ts,
		fieldMetadata:   string(meta),
	})
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		return models.Job{}, apperr.Newf(apperr.KindConflict, "%s job %q already exists", kind, name)
	}
	if err := r.store.HSet(ctx, r.indexKey(kind), map[string]string{name: ts}); err != nil {
		return models.Job{}, err
	}
	rec, err := r.get(ctx, kind, name)
	return rec.Job, err
}

func (r *Repository) Get(ctx context.Context, kind models.JobKind, name string) (models.Job, error) {
	rec, err := r.get(ctx, kind, name)
	return rec.Job, err
}

func (r *Repository) get(ctx context.Context, kind models.JobKind, name string) (record, error) {
	fields, err := r.store.HGetAll(ctx, r.key(kind, name))
	if err != nil {
		return record{}, err
	}
	if len(fields) == 0 || fields[fieldName] == "" {
		return record{}, apperr.Newf(apperr.KindNotFound, "%s job %q not found", kind, name)
	}
	return decode(fields)
}

func decode(fields map[string]string) (record, error) {
	rec := record{
		Job: models.Job{
			Name:   fields[fieldName],
			Kind:   models.JobKind(fields[fieldKind]),
			Status: models.JobStatus(fields[fieldStatus]),
		},
		RunID: fields[fieldRunID],
	}
	if ref := fields[fieldRuntimeRef]; ref != "" {
		rec.RuntimeRef = &ref
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err != nil {
		return record{}, apperr.Wrap(apperr.KindStore, err, "decoding created_at of job "+rec.Name)
	}
	if rec.ModifiedAt, err = time.Parse(time.RFC3339Nano, fields[fieldModifiedAt]); err != nil {
		return record{}, apperr.Wrap(apperr.KindStore, err, "decoding modified_at of job "+rec.Name)
	}
	rec.Metadata = map[string]interface{}{}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return record{}, apperr.Wrap(apperr.KindStore, err, "decoding metadata of job "+rec.Name)
		}
	}
	return rec, nil
}

// Claim moves a record from its observed status to active under a fresh
// run id. It reports false when another caller changed the status first.
func (r *Repository) Claim(ctx context.Context, kind models.JobKind, name string, observed models.JobStatus, runID string) (bool, error) {
	return r.store.CompareAndSet(ctx, r.key(kind, name), fieldStatus, string(observed), map[string]string{
		fieldStatus:     string(models.StatusActive),
		fieldRunID:      runID,
		fieldRuntimeRef: "",
		fieldModifiedAt: now(),
	})
}

// SetRuntimeRef records the container of run runID while that run is still
// active. It reports false once the run was settled or superseded, so a
// terminal record never carries a runtime_ref.
func (r *Repository) SetRuntimeRef(ctx context.Context, kind models.JobKind, name, runID, ref string) (bool, error) {
	return r.store.CompareAndSetAll(ctx, r.key(kind, name), map[string]string{
		fieldRunID:  runID,
		fieldStatus: string(models.StatusActive),
	}, map[string]string{
		fieldRuntimeRef: ref,
		fieldModifiedAt: now(),
	})
}

// Settle writes a terminal status for run runID and clears runtime_ref.
// A newer run makes it a no-op that reports false.
func (r *Repository) Settle(ctx context.Context, kind models.JobKind, name, runID string, status models.JobStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("settle: %s is not a terminal status", status)
	}
	return r.store.CompareAndSet(ctx, r.key(kind, name), fieldRunID, runID, map[string]string{
		fieldStatus:     string(status),
		fieldRuntimeRef: "",
		fieldModifiedAt: now(),
	})
}

func (r *Repository) UpdateMetadata(ctx context.Context, kind models.JobKind, name string, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return apperr.Invalid("metadata", nil, "metadata must be a JSON object")
	}
	return r.store.HSet(ctx, r.key(kind, name), map[string]string{
		fieldMetadata:   string(meta),
		fieldModifiedAt: now(),
	})
}

func (r *Repository) Delete(ctx context.Context, kind models.JobKind, name string) error {
	if err := r.store.Delete(ctx, r.key(kind, name)); err != nil {
		return err
	}
	return r.store.HDel(ctx, r.indexKey(kind), name)
}

// List returns the records of kind ordered by creation time, newest first.
func (r *Repository) List(ctx context.Context, kind models.JobKind) ([]models.Job, error) {
	recs, err := r.list(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Job)
	}
	return out, nil
}

func (r *Repository) list(ctx context.Context, kind models.JobKind) ([]record, error) {
	index, err := r.store.HGetAll(ctx, r.indexKey(kind))
	if err != nil {
		return nil, err
	}
	recs := make([]record, 0, len(index))
	for name := range index {
		rec, err := r.get(ctx, kind, name)
		if apperr.Is(err, apperr.KindNotFound) {
			// deleted between the index read and the record read
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}
