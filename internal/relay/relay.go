// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relay provides access to the durable store that carries
// correlation records from devices back to the bridge. The store exposes
// one logical channel per (device, method) pair holding at most one
// record at a time; it is passive, so the correlator polls it.
package relay

import (
	"context"

	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/wire"
)

// Store is the relay store consumed by the correlator. Delivery through
// the store is at-least-once and unordered; the bridge deletes a record
// immediately after consuming it, and deleting an absent record is not an
// error.
type Store interface {
	// Get returns the current record on the (device, method) channel, or
	// nil if the channel is empty. A record that is present but fails to
	// decode is returned as a MalformedResponse error.
	Get(ctx context.Context, deviceID string, method rpcmethod.Method) (*wire.Record, error)

	// Delete removes the record on the (device, method) channel.
	Delete(ctx context.Context, deviceID string, method rpcmethod.Method) error
}
