package tasks

import (
	"context"
	"durableq/internal/backoff"
	"durableq/internal/mail"
	"durableq/internal/payload"
	"durableq/internal/render"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SendEmail renders a transactional template and sends it to one address
func (h *Handlers) SendEmail(ctx context.Context, p payload.SendEmail) error {
	out, err := h.Renderer.Render(p.Template, render.EmailData{Data: p.Data})
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", p.Template, err)
	}

	subject := out.Subject
	if p.Subject != "" {
		subject = p.Subject
	}

	err = h.Mailer.Send(ctx, mail.Message{
		To:      p.To,
		Subject: subject,
		HTML:    out.HTML,
		Text:    out.Text,
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("template", p.Template).Msg("email sent")
	return nil
}

// SendNewsletterBatch sends one newsletter issue to every recipient in the batch.
// Recipients that could not be reached are pushed as a new batch so one bad
// address does not resend the issue to everyone else. The job only fails when
// nobody in the batch received it.
func (h *Handlers) SendNewsletterBatch(ctx context.Context, p payload.SendNewsletterBatch) error {
	out, err := h.Renderer.Render(render.Newsletter, render.NewsletterData{
		NewsletterID: p.NewsletterID,
		Subject:      p.Subject,
		Body:         p.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to render newsletter: %w", err)
	}

	logger := log.Ctx(ctx)

	var failed []string
	var lastErr error
	sent := 0
	for _, to := range p.Recipients {
		if ctx.Err() != nil {
			failed = append(failed, to)
			continue
		}

		err := h.Mailer.Send(ctx, mail.Message{To: to, Subject: out.Subject, HTML: out.HTML, Text: out.Text})
		if err != nil {
			logger.Warn().Err(err).Str("recipient", to).Msg("newsletter delivery failed")
			failed = append(failed, to)
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return fmt.Errorf("newsletter %s batch %d: no recipient reached: %w", p.NewsletterID, p.Batch, lastErr)
	}

	logger.Info().
		Str("newsletter_id", p.NewsletterID).
		Int("batch", p.Batch).
		Int("sent", sent).
		Int("failed", len(failed)).
		Msg("newsletter batch sent")

	if len(failed) == 0 {
		return nil
	}

	maxBatches := h.MaxNewsletterBatches
	if maxBatches <= 0 {
		maxBatches = DefaultMaxNewsletterBatches
	}
	if p.Batch+1 >= maxBatches {
		logger.Error().
			Str("newsletter_id", p.NewsletterID).
			Strs("recipients", failed).
			Msg("giving up on newsletter recipients")
		return nil
	}

	next := payload.SendNewsletterBatch{
		NewsletterID: p.NewsletterID,
		Subject:      p.Subject,
		Body:         p.Body,
		Recipients:   failed,
		Batch:        p.Batch + 1,
	}
	strategy := h.FollowUpBackoff
	if strategy == nil {
		strategy = backoff.Default()
	}
	at := time.Now().Add(strategy.Delay(next.Batch))

	id, err := h.Pusher.Push(context.WithoutCancel(ctx), next, &at)
	if err != nil {
		return fmt.Errorf("failed to queue follow-up batch: %w", err)
	}

	logger.Info().
		Str("follow_up_job_id", id).
		Int("recipients", len(failed)).
		Time("scheduled_for", at).
		Msg("queued follow-up newsletter batch")
	return nil
}
