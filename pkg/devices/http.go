package devices

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/devices", h.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/devices", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id}", h.handleDelete).Methods(http.MethodDelete)
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.HTTPStatus(apperr.KindOf(err)) >= http.StatusInternalServerError {
		logger.Log.WithError(err).Error("device request failed")
	}
	apperr.WriteHTTP(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body"}, Msg: "invalid JSON body", Err: err})
		return
	}
	reg, err := h.service.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"query", "limit"}, Msg: "limit must be a non-negative integer", Input: raw})
			return
		}
		limit = n
	}
	devices, err := h.service.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	reg, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
