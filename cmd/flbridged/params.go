// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// duration unmarshals a JSON string such as "30s" into a time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.NotValidf("duration %q", raw)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// invokeRequest is the body shared by the four invocation endpoints.
// Parameters is base64 in transit, per encoding/json []byte handling.
type invokeRequest struct {
	Parameters []byte         `json:"parameters,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Timeout    duration       `json:"timeout,omitempty"`
}

type parametersResponse struct {
	Parameters []byte `json:"parameters"`
}

type fitResponse struct {
	Parameters  []byte             `json:"parameters"`
	NumExamples int64              `json:"num-examples"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

type evaluateResponse struct {
	Loss        float64            `json:"loss"`
	NumExamples int64              `json:"num-examples"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

type devicesResponse struct {
	Devices []string `json:"devices"`
}

type errorResponse struct {
	Error string `json:"error"`
}
