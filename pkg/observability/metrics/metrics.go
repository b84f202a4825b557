package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/acceltune/platform/pkg/common/models"
)

var (
	jobsStarted         atomic.Int64
	jobsActive          atomic.Int64
	jobsFinished        atomic.Int64
	jobsFailed          atomic.Int64
	jobsStopped         atomic.Int64
	deploymentsStarted  atomic.Int64
	deploymentsFinished atomic.Int64
	deploymentsFailed   atomic.Int64
	uploadedBytes       atomic.Int64
)

func ObserveJobStarted() {
	jobsStarted.Add(1)
	jobsActive.Add(1)
}

// ObserveJobSettled records the terminal status persisted by a watcher.
func ObserveJobSettled(status models.JobStatus) {
	jobsActive.Add(-1)
	switch status {
	case models.StatusFinish:
		jobsFinished.Add(1)
	case models.StatusStopped:
		jobsStopped.Add(1)
	default:
		jobsFailed.Add(1)
	}
}

func ObserveDeploymentStarted() {
	deploymentsStarted.Add(1)
}

func ObserveDeploymentSettled(status models.JobStatus) {
	if status == models.StatusFinish {
		deploymentsFinished.Add(1)
		return
	}
	deploymentsFailed.Add(1)
}

func AddUploadedBytes(n int64) {
	uploadedBytes.Add(n)
}

type sample struct {
	name  string
	help  string
	kind  string
	value int64
}

func snapshot() []sample {
	return []sample{
		{"acceltune_jobs_started_total", "Number of jobs launched since process start.", "counter", jobsStarted.Load()},
		{"acceltune_jobs_active", "Number of jobs with a live watcher in this process.", "gauge", jobsActive.Load()},
		{"acceltune_jobs_finished_total", "Number of jobs that exited with code 0.", "counter", jobsFinished.Load()},
		{"acceltune_jobs_failed_total", "Number of jobs that exited with an error or lost their runtime.", "counter", jobsFailed.Load()},
		{"acceltune_jobs_stopped_total", "Number of jobs ended by a stop signal.", "counter", jobsStopped.Load()},
		{"acceltune_deployments_started_total", "Number of deployment streams opened.", "counter", deploymentsStarted.Load()},
		{"acceltune_deployments_finished_total", "Number of deployments that completed.", "counter", deploymentsFinished.Load()},
		{"acceltune_deployments_failed_total", "Number of deployments that ended on an error path.", "counter", deploymentsFailed.Load()},
		{"acceltune_deploy_uploaded_bytes_total", "Bytes of packaged artifacts transmitted to devices.", "counter", uploadedBytes.Load()},
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, s := range snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %d\n", s.name, s.value)
	}
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	})
}
