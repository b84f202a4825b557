package apperr

import (
	"encoding/json"
	"net/http"
)

// Detail is one entry of the structured error list returned to clients.
type Detail struct {
	Type  string      `json:"type"`
	Loc   []string    `json:"loc"`
	Msg   string      `json:"msg"`
	Input interface{} `json:"input"`
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindRemote, KindConnection:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStore, KindRuntime:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func Details(err error) []Detail {
	ae := Classify(err)
	if ae == nil {
		return nil
	}
	loc := ae.Loc
	if loc == nil {
		loc = []string{}
	}
	msg := ae.Msg
	if ae.Err != nil {
		if msg == "" {
			msg = ae.Err.Error()
		} else {
			msg = msg + ": " + ae.Err.Error()
		}
	}
	return []Detail{{Type: string(ae.Kind), Loc: loc, Msg: msg, Input: ae.Input}}
}

// WriteHTTP renders err as {"detail": [...]} with the status matching its kind.
func WriteHTTP(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(KindOf(err)))
	json.NewEncoder(w).Encode(map[string]interface{}{"detail": Details(err)})
}
