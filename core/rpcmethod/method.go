// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpcmethod enumerates the remote methods a training coordinator
// may invoke on an edge device, together with their argument contracts.
package rpcmethod

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Method identifies one of the fixed remote procedures understood by the
// device agent. The set is closed; the wire protocol rejects anything else.
type Method string

const (
	// GetParameters fetches the device's current model parameters.
	GetParameters Method = "get_parameters"

	// SetParameters replaces the device's model parameters.
	SetParameters Method = "set_parameters"

	// Fit trains the device's model on local data and returns the updated
	// parameters, the number of training examples and training metrics.
	Fit Method = "fit"

	// Evaluate scores the supplied parameters against local test data and
	// returns loss, example count and evaluation metrics.
	Evaluate Method = "evaluate"
)

var validMethods = set.NewStrings(
	string(GetParameters),
	string(SetParameters),
	string(Fit),
	string(Evaluate),
)

// methodArity maps each method to the number of arguments it expects:
// get_parameters takes none; set_parameters takes the parameters blob;
// fit and evaluate take the parameters blob and a config map.
var methodArity = map[Method]int{
	GetParameters: 0,
	SetParameters: 1,
	Fit:           2,
	Evaluate:      2,
}

// All returns every method in the enumeration, in protocol order.
func All() []Method {
	return []Method{GetParameters, SetParameters, Fit, Evaluate}
}

// Validate returns an error unless m is one of the enumerated methods.
func (m Method) Validate() error {
	if !validMethods.Contains(string(m)) {
		return errors.NotValidf("method %q", string(m))
	}
	return nil
}

// Arity returns the number of arguments the method expects.
func (m Method) Arity() int {
	return methodArity[m]
}

// ReadOnly reports whether re-invoking the method after a timeout is safe
// without device-side idempotency. get_parameters and evaluate do not
// mutate device state; fit and set_parameters do.
func (m Method) ReadOnly() bool {
	return m == GetParameters || m == Evaluate
}

// String implements fmt.Stringer.
func (m Method) String() string {
	return string(m)
}
