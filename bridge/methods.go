// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"
	"time"

	"github.com/juju/errors"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/wire"
)

// FitResult is the typed outcome of a fit invocation.
type FitResult struct {
	// Parameters is the device's updated model parameters.
	Parameters []byte

	// NumExamples is the number of local training examples used.
	NumExamples int64

	// Metrics holds device-reported training metrics.
	Metrics map[string]float64
}

// EvaluateResult is the typed outcome of an evaluate invocation.
type EvaluateResult struct {
	// Loss is the evaluation loss over the device's test data.
	Loss float64

	// NumExamples is the number of local test examples used.
	NumExamples int64

	// Metrics holds device-reported evaluation metrics.
	Metrics map[string]float64
}

// GetParameters fetches the device's current model parameters. Safe to
// re-invoke after a timeout.
func (b *Bridge) GetParameters(ctx context.Context, deviceID string, timeout time.Duration) ([]byte, error) {
	result, err := b.Invoke(ctx, rpcmethod.GetParameters, deviceID, nil, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return resultParameters(result)
}

// SetParameters replaces the device's model parameters. Not guaranteed
// safe to re-invoke after a timeout unless the device is idempotent.
func (b *Bridge) SetParameters(ctx context.Context, deviceID string, parameters []byte, timeout time.Duration) error {
	blob, err := payload.NewBlob(parameters)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.Invoke(ctx, rpcmethod.SetParameters, deviceID, []payload.Value{blob}, timeout)
	return errors.Trace(err)
}

// Fit trains the device's model starting from the supplied parameters and
// returns the updated parameters, example count and training metrics.
// Not guaranteed safe to re-invoke after a timeout unless the device is
// idempotent.
func (b *Bridge) Fit(
	ctx context.Context,
	deviceID string,
	parameters []byte,
	config map[string]any,
	timeout time.Duration,
) (FitResult, error) {
	args, err := blobAndConfig(parameters, config)
	if err != nil {
		return FitResult{}, errors.Trace(err)
	}
	result, err := b.Invoke(ctx, rpcmethod.Fit, deviceID, args, timeout)
	if err != nil {
		return FitResult{}, errors.Trace(err)
	}
	updated, err := resultParameters(result)
	if err != nil {
		return FitResult{}, errors.Trace(err)
	}
	return FitResult{
		Parameters:  updated,
		NumExamples: result.NumExamples,
		Metrics:     result.Metrics,
	}, nil
}

// Evaluate scores the supplied parameters on the device's test data. Safe
// to re-invoke after a timeout.
func (b *Bridge) Evaluate(
	ctx context.Context,
	deviceID string,
	parameters []byte,
	config map[string]any,
	timeout time.Duration,
) (EvaluateResult, error) {
	args, err := blobAndConfig(parameters, config)
	if err != nil {
		return EvaluateResult{}, errors.Trace(err)
	}
	result, err := b.Invoke(ctx, rpcmethod.Evaluate, deviceID, args, timeout)
	if err != nil {
		return EvaluateResult{}, errors.Trace(err)
	}
	if result.Loss == nil {
		return EvaluateResult{}, errors.WithType(
			errors.Errorf("evaluate result from %q without loss", deviceID),
			coreerrors.MalformedResponse,
		)
	}
	// Evaluation metrics are what the coordinator steers rounds with, so
	// make them visible in the logs as well as the metrics endpoint.
	logger.Infof("evaluate on %q: loss=%v examples=%d metrics=%v",
		deviceID, *result.Loss, result.NumExamples, result.Metrics)
	return EvaluateResult{
		Loss:        *result.Loss,
		NumExamples: result.NumExamples,
		Metrics:     result.Metrics,
	}, nil
}

func blobAndConfig(parameters []byte, config map[string]any) ([]payload.Value, error) {
	blob, err := payload.NewBlob(parameters)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if config == nil {
		config = map[string]any{}
	}
	conf, err := payload.NewInline(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return []payload.Value{blob, conf}, nil
}

func resultParameters(result *wire.Result) ([]byte, error) {
	if result == nil || result.Parameters == nil {
		return nil, errors.WithType(
			errors.New("result without parameters"),
			coreerrors.MalformedResponse,
		)
	}
	blob, err := result.Parameters.Bytes()
	if err != nil {
		return nil, errors.WithType(
			errors.Annotate(err, "result parameters"),
			coreerrors.MalformedResponse,
		)
	}
	return blob, nil
}
