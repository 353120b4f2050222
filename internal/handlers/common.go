package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opentracing/opentracing-go"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	span := opentracing.SpanFromContext(r.Context())
	if span != nil {
		span.SetTag("http.status_code", code)
	}

	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
