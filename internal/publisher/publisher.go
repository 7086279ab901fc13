// Package publisher defines the event publishing capability used to push
// run milestones to external consumers.
package publisher

import "context"

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}
