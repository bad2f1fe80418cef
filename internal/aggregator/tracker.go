package aggregator

import (
	"context"
	"errors"
	"fmt"
)

// Subscriber is the part of a transport the leader drives during
// reconciliation.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error
}

// Tracker holds the leader-only view of which channels the transport is
// subscribed to. The zero value is ready to use. Tracker is not safe for
// concurrent use.
type Tracker struct {
	mastered ChannelSet
}

// Reconcile brings the transport in line with desired. It subscribes to
// channels missing from the mastered set and unsubscribes from channels no
// tab wants any more. A failed call leaves its half of the mastered set
// unchanged, so the next Reconcile retries it.
func (t *Tracker) Reconcile(ctx context.Context, desired []string, sub Subscriber) (added, removed []string, err error) {
	toAdd, toRemove := Diff(desired, t.mastered.Sorted())

	var errs []error
	if len(toAdd) > 0 {
		if subErr := sub.Subscribe(ctx, toAdd); subErr != nil {
			errs = append(errs, fmt.Errorf("subscribe %v: %w", toAdd, subErr))
		} else {
			for _, c := range toAdd {
				t.mastered.Add(c)
			}
			added = toAdd
		}
	}

	if len(toRemove) > 0 {
		if unsubErr := sub.Unsubscribe(ctx, toRemove); unsubErr != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %v: %w", toRemove, unsubErr))
		} else {
			for _, c := range toRemove {
				t.mastered.Remove(c)
			}
			removed = toRemove
		}
	}

	return added, removed, errors.Join(errs...)
}

// Mastered returns the channels the transport is believed to be subscribed
// to, sorted.
func (t *Tracker) Mastered() []string {
	return t.mastered.Sorted()
}

// Reset forgets the mastered set. Call it when leadership is lost.
func (t *Tracker) Reset() {
	t.mastered = ChannelSet{}
}
