package deploy

import (
	"encoding/json"
	"net/http"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	streamer *Streamer
}

func NewHTTPHandler(streamer *Streamer) *HTTPHandler {
	return &HTTPHandler{streamer: streamer}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/deployments", h.handleDeploy).Methods(http.MethodPost)
	router.HandleFunc("/deployments/{job}/{device}", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/deployments/{job}/{device}/cancel", h.handleCancel).Methods(http.MethodPost)
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.HTTPStatus(apperr.KindOf(err)) >= http.StatusInternalServerError {
		logger.Log.WithError(err).Error("deployment request failed")
	}
	apperr.WriteHTTP(w, err)
}

// handleDeploy answers with a newline-delimited JSON stream of envelopes.
// Errors found before the stream starts are returned as a regular error
// response instead.
func (h *HTTPHandler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req models.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body"}, Msg: "invalid JSON body", Err: err})
		return
	}
	d, err := h.streamer.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	d.Stream(r.Context(), func(env models.Envelope) error {
		if err := enc.Encode(env); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.streamer.Status(r.Context(), vars["job"], vars["device"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.streamer.Cancel(r.Context(), vars["job"], vars["device"]); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "cancel_requested"})
}
