// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/flbridge/flbridge/bridge"
	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/internal/worker/heartbeatmonitor"
)

// Invoker is the subset of the bridge the HTTP API calls.
type Invoker interface {
	GetParameters(ctx context.Context, deviceID string, timeout time.Duration) ([]byte, error)
	SetParameters(ctx context.Context, deviceID string, parameters []byte, timeout time.Duration) error
	Fit(ctx context.Context, deviceID string, parameters []byte, config map[string]any, timeout time.Duration) (bridge.FitResult, error)
	Evaluate(ctx context.Context, deviceID string, parameters []byte, config map[string]any, timeout time.Duration) (bridge.EvaluateResult, error)
}

// DeviceLister answers fleet queries for the HTTP API.
type DeviceLister interface {
	TopDevices(n int) []string
}

type apiConfig struct {
	Bridge     Invoker
	Directory  DeviceLister
	Hub        *pubsub.StructuredHub
	Metrics    http.Handler
	MinTimeout time.Duration
}

type apiHandler struct {
	bridge     Invoker
	directory  DeviceLister
	hub        *pubsub.StructuredHub
	minTimeout time.Duration
}

func newAPIHandler(config apiConfig) http.Handler {
	h := &apiHandler{
		bridge:     config.Bridge,
		directory:  config.Directory,
		hub:        config.Hub,
		minTimeout: config.MinTimeout,
	}
	r := mux.NewRouter()
	r.Handle("/metrics", config.Metrics).Methods("GET")
	r.HandleFunc("/v1/heartbeat", h.heartbeat).Methods("POST")
	r.HandleFunc("/v1/devices", h.devices).Methods("GET")
	r.HandleFunc("/v1/devices/{device}/get-parameters", h.getParameters).Methods("POST")
	r.HandleFunc("/v1/devices/{device}/set-parameters", h.setParameters).Methods("POST")
	r.HandleFunc("/v1/devices/{device}/fit", h.fit).Methods("POST")
	r.HandleFunc("/v1/devices/{device}/evaluate", h.evaluate).Methods("POST")
	return r
}

func (h *apiHandler) heartbeat(w http.ResponseWriter, req *http.Request) {
	var msg heartbeatmonitor.Message
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		writeError(w, errors.NewNotValid(err, "decoding heartbeat"))
		return
	}
	if msg.DeviceID == "" {
		writeError(w, errors.NotValidf("empty device-id"))
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if _, err := h.hub.Publish(heartbeatmonitor.Topic, msg); err != nil {
		writeError(w, errors.Annotate(err, "publishing heartbeat"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *apiHandler) devices(w http.ResponseWriter, req *http.Request) {
	n := 10
	if raw := req.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.NotValidf("device count %q", raw))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: h.directory.TopDevices(n)})
}

func (h *apiHandler) getParameters(w http.ResponseWriter, req *http.Request) {
	var body invokeRequest
	if err := decodeInvoke(req, &body); err != nil {
		writeError(w, err)
		return
	}
	params, err := h.bridge.GetParameters(req.Context(), mux.Vars(req)["device"], h.timeout(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parametersResponse{Parameters: params})
}

func (h *apiHandler) setParameters(w http.ResponseWriter, req *http.Request) {
	var body invokeRequest
	if err := decodeInvoke(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Parameters) == 0 {
		writeError(w, errors.NotValidf("empty parameters"))
		return
	}
	err := h.bridge.SetParameters(req.Context(), mux.Vars(req)["device"], body.Parameters, h.timeout(body))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) fit(w http.ResponseWriter, req *http.Request) {
	var body invokeRequest
	if err := decodeInvoke(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Parameters) == 0 {
		writeError(w, errors.NotValidf("empty parameters"))
		return
	}
	res, err := h.bridge.Fit(req.Context(), mux.Vars(req)["device"], body.Parameters, body.Config, h.timeout(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fitResponse{
		Parameters:  res.Parameters,
		NumExamples: res.NumExamples,
		Metrics:     res.Metrics,
	})
}

func (h *apiHandler) evaluate(w http.ResponseWriter, req *http.Request) {
	var body invokeRequest
	if err := decodeInvoke(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Parameters) == 0 {
		writeError(w, errors.NotValidf("empty parameters"))
		return
	}
	res, err := h.bridge.Evaluate(req.Context(), mux.Vars(req)["device"], body.Parameters, body.Config, h.timeout(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Loss:        res.Loss,
		NumExamples: res.NumExamples,
		Metrics:     res.Metrics,
	})
}

// timeout clamps the caller-supplied timeout to the configured floor so
// that no invocation can undercut the relay poll interval.
func (h *apiHandler) timeout(body invokeRequest) time.Duration {
	if body.Timeout.Duration < h.minTimeout {
		return h.minTimeout
	}
	return body.Timeout.Duration
}

func decodeInvoke(req *http.Request, body *invokeRequest) error {
	if req.Body == nil || req.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(req.Body).Decode(body); err != nil {
		return errors.NewNotValid(err, "decoding request")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warningf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the invocation error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coreerrors.DeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, coreerrors.CallInFlight):
		return http.StatusConflict
	case errors.Is(err, coreerrors.TimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, coreerrors.StorageUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, coreerrors.MalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
