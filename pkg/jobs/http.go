package jobs

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	controller  *Controller
	maxBody     int64
	defaultTail int
}

// NewHTTPHandler serves job routes. defaultTail is the number of log lines
// returned when a logs request carries no tail parameter.
func NewHTTPHandler(controller *Controller, maxBody int64, defaultTail int) *HTTPHandler {
	return &HTTPHandler{controller: controller, maxBody: maxBody, defaultTail: defaultTail}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/jobs/{kind}", h.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{kind}", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{kind}/{name}", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{kind}/{name}", h.handleUpdateMetadata).Methods(http.MethodPatch)
	router.HandleFunc("/jobs/{kind}/{name}", h.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/jobs/{kind}/{name}/start", h.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{kind}/{name}/stop", h.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{kind}/{name}/logs", h.handleLogs).Methods(http.MethodGet)
}

func pathRef(r *http.Request) (models.JobKind, string) {
	vars := mux.Vars(r)
	return models.JobKind(vars["kind"]), vars["name"]
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body"}, Msg: "invalid JSON body", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(apperr.KindOf(err)) >= http.StatusInternalServerError {
		logger.Log.WithError(err).WithField("path", r.URL.Path).Error("job request failed")
	}
	apperr.WriteHTTP(w, err)
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, _ := pathRef(r)
	var input CreateJobInput
	if err := h.decodeBody(w, r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.controller.Create(r.Context(), kind, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	kind, _ := pathRef(r)
	jobs, err := h.controller.List(r.Context(), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	job, err := h.controller.Status(r.Context(), kind, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTPHandler) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	var body struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := h.decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Metadata == nil {
		writeError(w, r, apperr.Invalid("metadata", nil, "metadata is required"))
		return
	}
	if err := h.controller.UpdateMetadata(r.Context(), kind, name, body.Metadata); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.controller.Status(r.Context(), kind, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	if err := h.controller.Delete(r.Context(), kind, name); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	var spec LaunchSpec
	if err := h.decodeBody(w, r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	ref, err := h.controller.Start(r.Context(), kind, name, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runtime_ref": ref})
}

func (h *HTTPHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	if err := h.controller.Stop(r.Context(), kind, name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.StatusStopped)})
}

// handleLogs streams parsed log lines as newline-delimited JSON.
func (h *HTTPHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	kind, name := pathRef(r)
	follow := r.URL.Query().Get("follow") != "false"
	tail := h.defaultTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"query", "tail"}, Msg: "tail must be a non-negative integer", Input: raw})
			return
		}
		tail = n
	}

	events, errc, err := h.controller.Logs(r.Context(), kind, name, follow, tail)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := <-errc; err != nil {
		logger.ForJob(string(kind), name).WithError(err).Warn("log stream ended with error")
	}
}
