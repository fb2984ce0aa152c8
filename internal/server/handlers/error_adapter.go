package handlers

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/runguardhq/runguard/internal/server/middleware"
)

// HTTPErrorResponder renders an error for a request. Swappable so embedders
// can install their own error surface.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", err.Error())
	if id := middleware.GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	middleware.WriteError(w, envelope, http.StatusInternalServerError)
}

var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder installs a custom responder; nil restores the
// default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
