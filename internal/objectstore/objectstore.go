// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectstore provides the side channel for payloads too large to
// cross the messaging fabric. The bridge treats the store as shared,
// externally durable and eventually consistent: a reader may observe an
// object before it is fully written, which callers surface as "not yet
// ready" rather than an error.
package objectstore

import (
	"context"
	"io"
)

// Session provides access to the object store. Implementations must be
// safe for concurrent use; keys are scoped per invocation so concurrent
// callers never contend on the same object.
type Session interface {
	// GetObject returns a reader for the object and its size. It returns
	// an error satisfying errors.IsNotFound if the object does not exist.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// PutObject stores the object, overwriting any existing object at the
	// same key.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, length int64) error

	// DeleteObject removes the object. Deleting an absent object is not
	// an error.
	DeleteObject(ctx context.Context, bucket, key string) error
}
