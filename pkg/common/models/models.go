package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	KindTrain        JobKind = "train"
	KindEval         JobKind = "eval"
	KindQuantize     JobKind = "quantize"
	KindMerge        JobKind = "merge"
	KindInferBackend JobKind = "infer_backend"
	KindDeploy       JobKind = "deploy"
)

var JobKinds = []JobKind{KindTrain, KindEval, KindQuantize, KindMerge, KindInferBackend, KindDeploy}

func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	StatusSetup   JobStatus = "setup"
	StatusActive  JobStatus = "active"
	StatusFinish  JobStatus = "finish"
	StatusFailed  JobStatus = "failed"
	StatusStopped JobStatus = "stopped"
)

func (s JobStatus) Terminal() bool {
	return s == StatusFinish || s == StatusFailed || s == StatusStopped
}

// Job is the read shape of a job record.
type Job struct {
	Name       string                 `json:"name"`
	Kind       JobKind                `json:"kind"`
	Status     JobStatus              `json:"status"`
	RuntimeRef *string                `json:"runtime_ref"`
	CreatedAt  time.Time              `json:"created_at"`
	ModifiedAt time.Time              `json:"modified_at"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// MetadataString returns metadata[key] when it is a non-empty string.
func (j Job) MetadataString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if s, ok := j.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// DeviceRegistration is an edge endpoint that accepts deployments.
type DeviceRegistration struct {
	ID             string            `json:"id"`
	DisplayName    string            `json:"display_name"`
	NetworkAddress string            `json:"network_address"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ModifiedAt     time.Time         `json:"modified_at"`
}

type RegisterDeviceRequest struct {
	DisplayName    string            `json:"display_name"`
	NetworkAddress string            `json:"network_address"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// DeploymentRecord tracks pushing one job's artifact to one device.
type DeploymentRecord struct {
	JobName        string    `json:"job_name"`
	DeviceID       string    `json:"device_id"`
	Status         JobStatus `json:"status"`
	UploadProgress float64   `json:"upload_progress"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
}

type DeployRequest struct {
	JobName    string  `json:"job_name"`
	DeviceID   string  `json:"device_id"`
	SourceKind JobKind `json:"source_kind,omitempty"`
}

// Event origins on the deployment stream.
const (
	OriginLocal  = "AccelTune"
	OriginRemote = "AccelBrain"
)

type Message struct {
	Action   string                 `json:"action"`
	Progress float64                `json:"progress"`
	Detail   map[string]interface{} `json:"detail"`
}

// Envelope is one line of the deployment stream:
//
//	{"AccelTune": {"status": 200, "message": {"action": "upload", "progress": 0.5, "detail": {}}}}
type Envelope struct {
	Origin  string
	Status  int
	Message Message
}

type envelopeBody struct {
	Status  int     `json:"status"`
	Message Message `json:"message"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	msg := e.Message
	if msg.Detail == nil {
		msg.Detail = map[string]interface{}{}
	}
	return json.Marshal(map[string]envelopeBody{
		e.Origin: {Status: e.Status, Message: msg},
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]envelopeBody
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("envelope must have exactly one origin, got %d", len(raw))
	}
	for origin, body := range raw {
		e.Origin = origin
		e.Status = body.Status
		e.Message = body.Message
	}
	return nil
}

// Event is published on the lifecycle topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
