// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package payload defines the tagged-union value representation used at
// the message boundary. Every argument and result slot is either an
// inline JSON value or a reference to a payload offloaded to the object
// store; decoders must handle both variants for every slot.
package payload

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Reference points at a value held out-of-band in the object store. It is
// substituted for any value whose serialized size exceeds the offload
// threshold, since such values cannot cross the messaging fabric inline.
// The lifetime of the stored object is tied to the invocation or
// correlation record that carries the reference.
type Reference struct {
	// Key is the stable object store key, derived from the correlation id
	// and argument slot so concurrent invocations never collide.
	Key string `json:"key"`

	// Size is the stored object's size in bytes.
	Size int64 `json:"size"`

	// Checksum is the SHA-256 digest (hex) of the stored bytes. A
	// mismatch on resolve means the object is not yet fully written.
	Checksum string `json:"checksum"`
}

// Value is one argument or result slot: exactly one of Inline or Ref is
// set. The zero Value is not valid.
type Value struct {
	Inline json.RawMessage `json:"inline,omitempty"`
	Ref    *Reference      `json:"ref,omitempty"`
}

// NewInline returns a Value carrying v serialized inline.
func NewInline(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, errors.Annotate(err, "encoding inline value")
	}
	return Value{Inline: data}, nil
}

// NewBlob returns a Value carrying raw bytes inline (base64 on the wire).
func NewBlob(b []byte) (Value, error) {
	return NewInline(b)
}

// NewRef returns a Value carrying a reference to an offloaded payload.
func NewRef(ref Reference) Value {
	r := ref
	return Value{Ref: &r}
}

// Validate returns an error unless exactly one variant is populated.
func (v Value) Validate() error {
	switch {
	case len(v.Inline) == 0 && v.Ref == nil:
		return errors.NotValidf("empty payload value")
	case len(v.Inline) != 0 && v.Ref != nil:
		return errors.NotValidf("payload value with both inline data and reference")
	case v.Ref != nil && v.Ref.Key == "":
		return errors.NotValidf("payload reference without key")
	}
	return nil
}

// IsRef reports whether the value is an offloaded payload reference.
func (v Value) IsRef() bool {
	return v.Ref != nil
}

// Decode unmarshals an inline value into the supplied target. It is an
// error to decode a reference; resolve it through the offload manager
// first.
func (v Value) Decode(into any) error {
	if v.Ref != nil {
		return errors.Errorf("cannot decode unresolved payload reference %q", v.Ref.Key)
	}
	if err := json.Unmarshal(v.Inline, into); err != nil {
		return errors.Annotate(err, "decoding inline value")
	}
	return nil
}

// Bytes returns the raw byte payload of an inline value.
func (v Value) Bytes() ([]byte, error) {
	var b []byte
	if err := v.Decode(&b); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

// SerializedSize returns the size of the value as it would appear in a
// message body. References are always small; inline values are the size
// of their JSON encoding.
func (v Value) SerializedSize() int {
	return len(v.Inline)
}
