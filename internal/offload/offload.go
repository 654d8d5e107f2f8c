// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package offload moves payloads that exceed the transport ceiling
// through the object store, substituting references for inline values and
// resolving references back into values on the way in.
package offload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/internal/objectstore"
)

var logger = loggo.GetLogger("flbridge.offload")

const (
	putAttempts = 3
	putDelay    = 100 * time.Millisecond
)

// Config holds the dependencies and tunables for a Manager.
type Config struct {
	// Store is the object store session payloads are offloaded through.
	Store objectstore.Session

	// Bucket is the bucket holding offloaded payloads.
	Bucket string

	// Threshold is the serialized size in bytes above which a value is
	// offloaded rather than sent inline.
	Threshold int

	// Clock is used for put retry backoff.
	Clock clock.Clock
}

// Validate implements the usual config contract.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Bucket == "" {
		return errors.NotValidf("empty Bucket")
	}
	if config.Threshold <= 0 {
		return errors.NotValidf("non-positive Threshold")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Manager performs bidirectional translation between inline values and
// payload references.
type Manager struct {
	config Config
}

// NewManager returns a Manager for the given store and threshold.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{config: config}, nil
}

// Key returns the object store key for an argument or result slot of the
// given invocation. Keys embed the correlation id, so they are
// collision-free across concurrent invocations and re-offloading the same
// slot overwrites in place rather than accumulating duplicates.
func Key(correlationID, slot string) string {
	return fmt.Sprintf("payloads/%s/%s", correlationID, slot)
}

// OffloadArgs replaces every argument whose serialized size exceeds the
// threshold with a reference. Arguments at or under the threshold pass
// through untouched.
func (m *Manager) OffloadArgs(ctx context.Context, correlationID string, args []payload.Value) ([]payload.Value, error) {
	out := make([]payload.Value, len(args))
	for i, arg := range args {
		if arg.IsRef() || arg.SerializedSize() <= m.config.Threshold {
			out[i] = arg
			continue
		}
		ref, err := m.Offload(ctx, Key(correlationID, fmt.Sprintf("arg-%d", i)), arg.Inline)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[i] = payload.NewRef(ref)
	}
	return out, nil
}

// Offload stores data at the given key and returns a reference to it.
// A failure to reach the object store is terminal for the invocation:
// the value is known to exceed the transport ceiling, so there is no
// inline fallback.
func (m *Manager) Offload(ctx context.Context, key string, data []byte) (payload.Reference, error) {
	sum := sha256.Sum256(data)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return m.config.Store.PutObject(ctx, m.config.Bucket, key, bytes.NewReader(data), int64(len(data)))
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("put of %q failed (attempt %d): %v", key, attempt, err)
		},
		Attempts: putAttempts,
		Delay:    putDelay,
		Clock:    m.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return payload.Reference{}, errors.WithType(
			errors.Annotatef(err, "offloading %d bytes to %q", len(data), key),
			coreerrors.StorageUnavailable,
		)
	}
	logger.Debugf("offloaded %d bytes to %q", len(data), key)
	return payload.Reference{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Resolve downloads the referenced payload and returns it as an inline
// value. A missing object or a size/checksum mismatch means the write has
// not yet settled (the store is eventually consistent), reported as
// NotReady so the caller retries on its next poll tick.
func (m *Manager) Resolve(ctx context.Context, ref payload.Reference) (payload.Value, error) {
	reader, _, err := m.config.Store.GetObject(ctx, m.config.Bucket, ref.Key)
	if errors.Is(err, errors.NotFound) {
		return payload.Value{}, errors.WithType(
			errors.Annotatef(err, "resolving %q", ref.Key), coreerrors.NotReady)
	}
	if err != nil {
		return payload.Value{}, errors.WithType(
			errors.Annotatef(err, "resolving %q", ref.Key), coreerrors.StorageUnavailable)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return payload.Value{}, errors.WithType(
			errors.Annotatef(err, "reading %q", ref.Key), coreerrors.StorageUnavailable)
	}
	sum := sha256.Sum256(data)
	if int64(len(data)) != ref.Size || hex.EncodeToString(sum[:]) != ref.Checksum {
		return payload.Value{}, errors.WithType(
			errors.Errorf("payload %q does not match its reference", ref.Key),
			coreerrors.NotReady,
		)
	}
	return payload.Value{Inline: data}, nil
}

// ResolveValue resolves v if it is a reference, and returns it unchanged
// otherwise.
func (m *Manager) ResolveValue(ctx context.Context, v payload.Value) (payload.Value, error) {
	if !v.IsRef() {
		return v, nil
	}
	resolved, err := m.Resolve(ctx, *v.Ref)
	if err != nil {
		return payload.Value{}, errors.Trace(err)
	}
	return resolved, nil
}
