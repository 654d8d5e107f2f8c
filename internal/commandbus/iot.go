// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package commandbus

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("flbridge.commandbus")

// IoTPublisher implements Publisher over the AWS IoT data plane. Commands
// go out at QoS 0; the fabric is at-least-once end to end because the
// caller's retry (a fresh invocation) is the recovery path for a lost
// command.
type IoTPublisher struct {
	client *iotdataplane.Client
}

// NewIoTPublisher returns a Publisher backed by the IoT data plane.
func NewIoTPublisher(cfg aws.Config) *IoTPublisher {
	return &IoTPublisher{client: iotdataplane.NewFromConfig(cfg)}
}

// Publish implements Publisher.
func (p *IoTPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	_, err := p.client.Publish(ctx, &iotdataplane.PublishInput{
		Topic:   aws.String(topic),
		Payload: body,
		Qos:     0,
	})
	if err != nil {
		return errors.Annotatef(err, "publishing to %q", topic)
	}
	logger.Debugf("published %d bytes to %q", len(body), topic)
	return nil
}
