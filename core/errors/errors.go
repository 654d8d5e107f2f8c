// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errors defines the error taxonomy shared by the bridge and its
// supporting components. Every failure of an invocation is surfaced to the
// caller as one of these values (possibly annotated with context); the
// bridge never panics on a single invocation's failure.
package errors

import (
	"github.com/juju/errors"
)

const (
	// DeviceUnavailable indicates that the target device is not currently
	// considered reachable by the device directory.
	DeviceUnavailable = errors.ConstError("device unavailable")

	// CallInFlight indicates that another invocation for the same device
	// and method is still outstanding. The protocol is call-then-wait, not
	// pipelined: callers must wait for the prior call to resolve or time
	// out before invoking the same method on the same device again.
	CallInFlight = errors.ConstError("call already in flight")

	// StorageUnavailable indicates that the object store could not serve a
	// payload put or get. It is terminal for the invocation: a value that
	// needed offloading cannot be sent inline, so there is no fallback.
	StorageUnavailable = errors.ConstError("object store unavailable")

	// TimedOut indicates that no correlated response was observed before
	// the caller's deadline. The bridge never retries internally; retry,
	// if desired, is the caller's explicit next call, and is only safe
	// for read-style methods unless the device itself is idempotent.
	TimedOut = errors.ConstError("timed out waiting for response")

	// MalformedResponse indicates that a correlation record failed to
	// decode, or that a payload reference it carried could not be
	// resolved into a well-formed value.
	MalformedResponse = errors.ConstError("malformed response")

	// NotReady indicates that an offloaded payload is not yet fully
	// written to the object store. It is recoverable: the correlator
	// retries on its next poll tick rather than failing the invocation.
	NotReady = errors.ConstError("payload not yet ready")
)
