// Package tasks holds the handlers for every payload kind.
package tasks

import (
	"context"
	"durableq/internal/backoff"
	"durableq/internal/mail"
	"durableq/internal/objectstore"
	"durableq/internal/payload"
	"durableq/internal/registry"
	"durableq/internal/render"
	"time"
)

const (
	// DefaultMaxNewsletterBatches bounds how many follow-up batches a newsletter may spawn
	DefaultMaxNewsletterBatches = 5
	// DefaultMaxAvatarPixels caps the decoded size of an uploaded avatar
	DefaultMaxAvatarPixels = 25_000_000
)

// Pusher enqueues follow-up work
type Pusher interface {
	Push(ctx context.Context, p payload.Payload, scheduledFor *time.Time) (string, error)
}

// Handlers bundles the collaborators the task handlers need
type Handlers struct {
	Mailer   mail.Sender
	Renderer *render.Renderer
	Objects  objectstore.Store
	Pusher   Pusher

	// MaxNewsletterBatches stops re-queueing recipients once a newsletter
	// reaches this batch number. Zero means DefaultMaxNewsletterBatches.
	MaxNewsletterBatches int
	// FollowUpBackoff delays each follow-up newsletter batch by its batch
	// number. Nil means backoff.Default().
	FollowUpBackoff backoff.Strategy
	// MaxAvatarPixels rejects source images larger than this before decoding
	// them. Zero means DefaultMaxAvatarPixels.
	MaxAvatarPixels int
}

// Register binds every handler to its kind
func (h *Handlers) Register(r *registry.Registry) {
	registry.Handle(r, h.SendEmail)
	registry.Handle(r, h.SendNewsletterBatch)
	registry.Handle(r, h.ProcessAvatar)
	registry.Handle(r, h.DeleteObject)
}
