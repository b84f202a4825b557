package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/jobs"
	"github.com/acceltune/platform/pkg/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	starts []string
	// onStart returns the terminal status a started job reaches.
	onStart func(name string, spec jobs.LaunchSpec) models.JobStatus
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]models.Job{}}
}

func (f *fakeJobs) put(kind models.JobKind, name string, status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[string(kind)+"/"+name] = models.Job{Name: name, Kind: kind, Status: status}
}

func (f *fakeJobs) Create(ctx context.Context, kind models.JobKind, input jobs.CreateJobInput) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(kind) + "/" + input.Name
	if _, ok := f.jobs[key]; ok {
		return models.Job{}, apperr.New(apperr.KindConflict, "exists")
	}
	job := models.Job{Name: input.Name, Kind: kind, Status: models.StatusSetup, Metadata: input.Metadata}
	f.jobs[key] = job
	return job, nil
}

func (f *fakeJobs) Status(ctx context.Context, kind models.JobKind, name string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[string(kind)+"/"+name]
	if !ok {
		return models.Job{}, apperr.Newf(apperr.KindNotFound, "%s job %q not found", kind, name)
	}
	return job, nil
}

func (f *fakeJobs) Start(ctx context.Context, kind models.JobKind, name string, spec jobs.LaunchSpec) (string, error) {
	f.mu.Lock()
	key := string(kind) + "/" + name
	job, ok := f.jobs[key]
	if !ok {
		f.mu.Unlock()
		return "", apperr.New(apperr.KindNotFound, "missing")
	}
	f.starts = append(f.starts, name)
	onStart := f.onStart
	f.mu.Unlock()

	status := models.StatusFinish
	if onStart != nil {
		status = onStart(name, spec)
	}
	f.mu.Lock()
	job.Status = status
	f.jobs[key] = job
	f.mu.Unlock()
	return "container-" + name, nil
}

func (f *fakeJobs) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeDevices map[string]models.DeviceRegistration

func (f fakeDevices) Get(ctx context.Context, id string) (models.DeviceRegistration, error) {
	reg, ok := f[id]
	if !ok {
		return models.DeviceRegistration{}, apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	return reg, nil
}

// upload is what a test device received.
type upload struct {
	meta map[string]interface{}
	size int64
}

// newDevice serves the upload endpoint. respond writes the NDJSON body
// after the whole upload has been read.
func newDevice(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, chan upload) {
	t.Helper()
	received := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deploy" {
			http.NotFound(w, r)
			return
		}
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var got upload
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			switch part.FormName() {
			case "metadata":
				json.NewDecoder(part).Decode(&got.meta)
			case "file":
				got.size, _ = io.Copy(io.Discard, part)
			}
		}
		received <- got
		respond(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func remoteLine(status int, action string, progress float64) string {
	b, _ := json.Marshal(models.Envelope{
		Origin:  models.OriginRemote,
		Status:  status,
		Message: models.Message{Action: action, Progress: progress},
	})
	return string(b) + "\n"
}

type testEnv struct {
	streamer *Streamer
	records  *Records
	jobs     *fakeJobs
	root     string
	tmp      string
}

func newTestEnv(t *testing.T, deviceAddr string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := store.NewRedisStore(client)
	keys := store.Keyspace{Prefix: "acceltune"}

	jc := newFakeJobs()
	jc.put(models.KindTrain, "m1", models.StatusFinish)
	devices := fakeDevices{
		"dev-1": {ID: "dev-1", DisplayName: "jetson", NetworkAddress: deviceAddr},
	}
	root, tmp := t.TempDir(), t.TempDir()
	streamer := NewStreamer(s, keys, jc, devices, nil, Options{
		ArtifactRoot:       root,
		TempDir:            tmp,
		ChunkSize:          8,
		PollInterval:       10 * time.Millisecond,
		MaxDependencyPolls: 50,
		DependencyRetries:  1,
		QueuePopTimeout:    50 * time.Millisecond,
	})
	return &testEnv{streamer: streamer, records: NewRecords(s, keys), jobs: jc, root: root, tmp: tmp}
}

func (e *testEnv) writeArtifact(t *testing.T) {
	t.Helper()
	writeTree(t, filepath.Join(e.root, "m1-quantized"), map[string]string{
		"model.gguf":  strings.Repeat("w", 300),
		"config.json": `{"arch":"llama"}`,
	})
}

type collector struct {
	mu     sync.Mutex
	events []models.Envelope
}

func (c *collector) write(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, env)
	return nil
}

func (c *collector) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Origin+":"+ev.Message.Action)
	}
	return out
}

func (c *collector) last() models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func countPrefix(actions []string, prefix string) int {
	n := 0
	for _, a := range actions {
		if strings.HasPrefix(a, prefix) {
			n++
		}
	}
	return n
}

func assertArchiveRemoved(t *testing.T, d *Deployment, tmp string) {
	t.Helper()
	if d.ArchivePath != "" {
		if _, err := os.Stat(d.ArchivePath); !os.IsNotExist(err) {
			t.Fatalf("package %s still present: %v", d.ArchivePath, err)
		}
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary directory not empty: %d entries", len(entries))
	}
}

func TestStreamSuccess(t *testing.T) {
	srv, received := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, remoteLine(200, "extract", 0.5))
		io.WriteString(w, remoteLine(200, "load", 1))
	})
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), c.write); err != nil {
		t.Fatalf("stream: %v (events %v)", err, c.actions())
	}

	actions := c.actions()
	if actions[0] != "AccelTune:start" || actions[1] != "AccelTune:package" {
		t.Fatalf("unexpected leading events %v", actions)
	}
	if actions[len(actions)-1] != "AccelTune:finish" {
		t.Fatalf("expected finish last, got %v", actions)
	}
	if countPrefix(actions, "AccelTune:upload") < 2 {
		t.Fatalf("expected several upload events, got %v", actions)
	}
	if countPrefix(actions, "AccelBrain:") != 2 {
		t.Fatalf("expected two remote events, got %v", actions)
	}

	got := <-received
	if got.meta["job_name"] != "m1" || got.meta["checksum"] == "" {
		t.Fatalf("unexpected metadata %v", got.meta)
	}
	if got.size == 0 {
		t.Fatalf("device received an empty archive")
	}

	rec, err := env.streamer.Status(context.Background(), "m1", "dev-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != models.StatusFinish || rec.UploadProgress != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestStreamRemoteFailureCleansUp(t *testing.T) {
	srv, _ := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, remoteLine(200, "extract", 0.3))
		io.WriteString(w, remoteLine(500, "load", 0.3))
		io.WriteString(w, remoteLine(200, "never", 1))
	})
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	err = d.Stream(context.Background(), c.write)
	if !apperr.Is(err, apperr.KindRemote) {
		t.Fatalf("expected remote processing error, got %v", err)
	}

	last := c.last()
	if last.Origin != models.OriginRemote || last.Message.Action != "error" || last.Status != http.StatusBadGateway {
		t.Fatalf("unexpected final event %+v", last)
	}
	for _, a := range c.actions() {
		if a == "AccelBrain:never" || a == "AccelTune:finish" {
			t.Fatalf("event emitted after failure: %v", c.actions())
		}
	}

	rec, err := env.streamer.Status(context.Background(), "m1", "dev-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Error == "" {
		t.Fatalf("expected failed record with error, got %+v", rec)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestStreamDeviceHTTPErrorIsRemoteFailure(t *testing.T) {
	srv, _ := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInsufficientStorage)
	})
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), c.write); !apperr.Is(err, apperr.KindRemote) {
		t.Fatalf("expected remote processing error, got %v", err)
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestStreamUnreachableDeviceFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	env := newTestEnv(t, addr)
	env.writeArtifact(t)
	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	err = d.Stream(context.Background(), c.write)
	if err == nil {
		t.Fatalf("expected error")
	}
	if c.last().Message.Action != "error" {
		t.Fatalf("expected a final error event, got %v", c.actions())
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestPrepareValidation(t *testing.T) {
	env := newTestEnv(t, "127.0.0.1:1")
	ctx := context.Background()

	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{DeviceID: "dev-1"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{JobName: "m1", DeviceID: "dev-9"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected missing device, got %v", err)
	}
	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{JobName: "nope", DeviceID: "dev-1"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected missing job, got %v", err)
	}
	env.jobs.put(models.KindTrain, "busy", models.StatusActive)
	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{JobName: "busy", DeviceID: "dev-1"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for active source job, got %v", err)
	}
	if _, err := env.streamer.Status(ctx, "m1", "dev-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("rejected requests must not create records, got %v", err)
	}

	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{JobName: "m1", DeviceID: "dev-1"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := env.streamer.Prepare(ctx, models.DeployRequest{JobName: "m1", DeviceID: "dev-1"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for concurrent deployment, got %v", err)
	}
}

func TestStreamRunsQuantizeDependency(t *testing.T) {
	srv, _ := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, remoteLine(200, "load", 1))
	})
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.jobs.onStart = func(name string, spec jobs.LaunchSpec) models.JobStatus {
		writeTree(t, spec.Env["ACCELTUNE_OUTPUT_DIR"], map[string]string{"model.gguf": "quantized"})
		return models.StatusFinish
	}

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), c.write); err != nil {
		t.Fatalf("stream: %v (events %v)", err, c.actions())
	}
	if env.jobs.startCount() != 1 {
		t.Fatalf("expected one quantize run, got %d", env.jobs.startCount())
	}
	job, err := env.jobs.Status(context.Background(), models.KindQuantize, "m1-quantize")
	if err != nil {
		t.Fatalf("quantize job not created: %v", err)
	}
	if job.Metadata["source_job"] != "m1" {
		t.Fatalf("unexpected quantize metadata %v", job.Metadata)
	}
	if countPrefix(c.actions(), "AccelTune:dependency") != 1 {
		t.Fatalf("expected one dependency event, got %v", c.actions())
	}
}

func TestStreamRetriesFailedDependencyOnce(t *testing.T) {
	env := newTestEnv(t, "127.0.0.1:1")
	env.jobs.onStart = func(name string, spec jobs.LaunchSpec) models.JobStatus {
		return models.StatusFailed
	}

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	err = d.Stream(context.Background(), c.write)
	if !apperr.Is(err, apperr.KindRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if n := env.jobs.startCount(); n != 2 {
		t.Fatalf("expected two quantize attempts, got %d", n)
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
}

func TestStreamDoesNotRetryStoppedDependency(t *testing.T) {
	env := newTestEnv(t, "127.0.0.1:1")
	env.jobs.onStart = func(name string, spec jobs.LaunchSpec) models.JobStatus {
		return models.StatusStopped
	}

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), c.write); !apperr.Is(err, apperr.KindRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if n := env.jobs.startCount(); n != 1 {
		t.Fatalf("expected a single quantize attempt, got %d", n)
	}
	if n := countPrefix(c.actions(), "AccelTune:dependency"); n != 1 {
		t.Fatalf("expected one dependency event, got %v", c.actions())
	}
}

func TestStreamDependencyPollIsBounded(t *testing.T) {
	env := newTestEnv(t, "127.0.0.1:1")
	env.jobs.onStart = func(name string, spec jobs.LaunchSpec) models.JobStatus {
		return models.StatusActive
	}

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), c.write); !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCancelStopsRunningDeployment(t *testing.T) {
	release := make(chan struct{})
	srv, received := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, remoteLine(200, "extract", 0.1))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	if err := env.streamer.Cancel(context.Background(), "m1", "dev-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found before deployment, got %v", err)
	}

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	done := make(chan error, 1)
	var c collector
	go func() { done <- d.Stream(context.Background(), c.write) }()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("device never received the upload")
	}
	if err := env.streamer.Cancel(context.Background(), "m1", "dev-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-done:
		if !apperr.Is(err, apperr.KindCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("deployment did not stop after cancel")
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestStreamCallerCancelMidUploadMarksFailed(t *testing.T) {
	release := make(chan struct{})
	srv, received := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, remoteLine(200, "extract", 0.1))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var c collector
	go func() { done <- d.Stream(ctx, c.write) }()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("device never received the upload")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("deployment did not stop after the caller went away")
	}
	if c.last().Message.Action != "error" {
		t.Fatalf("expected a final error event, got %v", c.actions())
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	assertArchiveRemoved(t, d, env.tmp)
}

func TestStreamClientDisconnectMarksFailed(t *testing.T) {
	srv, _ := newDevice(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, remoteLine(200, "load", 1))
	})
	env := newTestEnv(t, strings.TrimPrefix(srv.URL, "http://"))
	env.writeArtifact(t)

	d, err := env.streamer.Prepare(context.Background(), models.DeployRequest{JobName: "m1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	writes := 0
	err = d.Stream(context.Background(), func(env models.Envelope) error {
		writes++
		if writes > 2 {
			return fmt.Errorf("broken pipe")
		}
		return nil
	})
	if !apperr.Is(err, apperr.KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	rec, _ := env.streamer.Status(context.Background(), "m1", "dev-1")
	if rec.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	assertArchiveRemoved(t, d, env.tmp)
}
