package events

import (
	"context"
	"errors"
	"time"
)

// ErrNotQuiet is returned by WaitForQuiet when activity kept arriving until
// the maximum wait elapsed.
var ErrNotQuiet = errors.New("events: page did not settle before max wait")

// WaitForQuiet blocks until no navigation or DOM activity event for
// sessionID has been published for the quiet window, bounded by max.
func (b *Bus) WaitForQuiet(ctx context.Context, sessionID string, quiet, max time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	if max < quiet {
		max = quiet
	}

	deliveries, cancel := b.Subscribe(sessionID)
	defer cancel()

	quietTimer := time.NewTimer(quiet)
	defer quietTimer.Stop()
	deadline := time.NewTimer(max)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotQuiet
		case <-quietTimer.C:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if d.Kind != KindDOMActivity && d.Kind != KindNavigation {
				continue
			}
			if !quietTimer.Stop() {
				select {
				case <-quietTimer.C:
				default:
				}
			}
			quietTimer.Reset(quiet)
		}
	}
}
