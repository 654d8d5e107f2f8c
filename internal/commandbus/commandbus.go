// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package commandbus publishes command messages onto the fabric's
// per-device command topics. Delivery is fire-and-forget: the dispatcher
// never waits for the device to acknowledge receipt, only the correlator
// waits for a result.
package commandbus

import (
	"context"
	"fmt"
)

// Publisher publishes an encoded message to a fabric topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// CommandTopic returns the command-update topic for a device.
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("commands/client/%s/update", deviceID)
}
