// Package events carries hook events over Kafka. Events are keyed by chain
// key so every event of one chain lands on the same partition and is
// handled in order.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// ErrInvalidEvent reports an envelope that cannot be dispatched.
var ErrInvalidEvent = errors.New("invalid hook event")

// Validate checks that the envelope carries the payload its type needs.
func Validate(ev models.HookEvent) error {
	switch ev.Type {
	case models.HookPreChain, models.HookPostChain:
		if ev.Chain == nil {
			return fmt.Errorf("%w: %s needs a chain payload", ErrInvalidEvent, ev.Type)
		}
	case models.HookPreBuild, models.HookPostBuild:
		if ev.Job == nil {
			return fmt.Errorf("%w: %s needs a job payload", ErrInvalidEvent, ev.Type)
		}
		// Paths would be opened on the consumer's host.
		if ev.Job.LogFile != "" {
			return fmt.Errorf("%w: log_file is not accepted in broker events", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	return nil
}

// Encode validates ev and returns its partition key and JSON value.
func Encode(ev models.HookEvent) (key, value []byte, err error) {
	if err := Validate(ev); err != nil {
		return nil, nil, err
	}
	value, err = json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding hook event: %w", err)
	}
	return []byte(ev.Key()), value, nil
}

// Decode parses and validates a JSON envelope.
func Decode(value []byte) (models.HookEvent, error) {
	var ev models.HookEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return models.HookEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := Validate(ev); err != nil {
		return models.HookEvent{}, err
	}
	return ev, nil
}

// Dispatch runs the hook the envelope names.
func Dispatch(ctx context.Context, runner hooks.Runner, ev models.HookEvent) (hooks.Result, error) {
	if err := Validate(ev); err != nil {
		return hooks.Result{}, err
	}
	switch ev.Type {
	case models.HookPreChain:
		return runner.PreChain(ctx, *ev.Chain)
	case models.HookPreBuild:
		return runner.PreBuild(ctx, *ev.Job)
	case models.HookPostBuild:
		return runner.PostBuild(ctx, *ev.Job)
	default:
		return runner.PostChain(ctx, *ev.Chain)
	}
}
