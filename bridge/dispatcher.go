// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"

	"github.com/juju/errors"

	"github.com/flbridge/flbridge/internal/commandbus"
	"github.com/flbridge/flbridge/internal/wire"
)

// dispatcher serializes commands and publishes them to the device's
// command topic. Delivery is fire-and-forget: receipt is never
// acknowledged, only the result is awaited, by the correlator.
type dispatcher struct {
	publisher      commandbus.Publisher
	maxMessageSize int
}

// dispatch publishes the command. Oversized arguments were replaced with
// payload references before this point; a command that still exceeds the
// transport ceiling is refused rather than published, since the fabric
// would reject or truncate it.
func (d *dispatcher) dispatch(ctx context.Context, deviceID string, cmd wire.Command) error {
	body, err := cmd.Encode()
	if err != nil {
		return errors.Trace(err)
	}
	if len(body) > d.maxMessageSize {
		return errors.Errorf("command of %d bytes exceeds the %d byte transport ceiling",
			len(body), d.maxMessageSize)
	}
	if err := d.publisher.Publish(ctx, commandbus.CommandTopic(deviceID), body); err != nil {
		return errors.Annotatef(err, "dispatching %s to %q", cmd.Method, deviceID)
	}
	logger.Debugf("dispatched %s to %q (correlation %s, %d bytes)",
		cmd.Method, deviceID, cmd.CorrelationID, len(body))
	return nil
}
