// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire defines the messages exchanged with devices over the
// messaging fabric: the command published to a device's command topic and
// the correlation record the device relays back through the durable relay
// store. Both use the inline-or-reference payload encoding from
// core/payload.
package wire

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/core/rpcmethod"
)

// Command is the message published to a device's command topic. Any
// argument whose serialized size exceeds the offload threshold has
// already been replaced by a payload reference before the command is
// encoded; a command never exceeds the transport's payload ceiling.
type Command struct {
	Method        rpcmethod.Method `json:"method"`
	CorrelationID string           `json:"correlation-id"`
	Args          []payload.Value  `json:"args"`
}

// Validate checks the command against the per-method argument contract.
func (c Command) Validate() error {
	if err := c.Method.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.CorrelationID == "" {
		return errors.NotValidf("command without correlation id")
	}
	if len(c.Args) != c.Method.Arity() {
		return errors.NotValidf("%s with %d arguments, want %d",
			c.Method, len(c.Args), c.Method.Arity())
	}
	for i, arg := range c.Args {
		if err := arg.Validate(); err != nil {
			return errors.Annotatef(err, "argument %d", i)
		}
	}
	return nil
}

// Encode serializes the command for publishing.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Annotate(err, "encoding command")
	}
	return data, nil
}

// Result is the outcome of a method invocation as reported by the device.
// Which fields are populated depends on the method:
//
//   - get_parameters: Parameters
//   - set_parameters: nothing (bare acknowledgement)
//   - fit: Parameters, NumExamples, Metrics
//   - evaluate: Loss, NumExamples, Metrics
//
// Parameters may arrive as an offloaded reference alongside inline
// metrics in the same result; decoders handle both variants in every
// slot.
type Result struct {
	Parameters  *payload.Value     `json:"parameters,omitempty"`
	Loss        *float64           `json:"loss,omitempty"`
	NumExamples int64              `json:"num-examples,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Record is a device's asynchronous report of a completed invocation,
// carried through the relay store on the channel scoped to (device,
// method). The bridge consumes a record exactly once and deletes it.
type Record struct {
	CorrelationID string           `json:"correlation-id"`
	DeviceID      string           `json:"device-id"`
	Method        rpcmethod.Method `json:"method"`
	Result        Result           `json:"result"`
}

// Validate checks the record is structurally sound. A record that fails
// validation is treated as a malformed response.
func (r Record) Validate() error {
	if r.CorrelationID == "" {
		return errors.NotValidf("record without correlation id")
	}
	if r.DeviceID == "" {
		return errors.NotValidf("record without device id")
	}
	if err := r.Method.Validate(); err != nil {
		return errors.Trace(err)
	}
	if r.Result.Parameters != nil {
		if err := r.Result.Parameters.Validate(); err != nil {
			return errors.Annotate(err, "result parameters")
		}
	}
	return nil
}

// DecodeRecord parses a relay store record body.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Annotate(err, "decoding record")
	}
	if err := rec.Validate(); err != nil {
		return Record{}, errors.Trace(err)
	}
	return rec, nil
}
