package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
}

func (r *recordingSender) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func TestThrottled_SpacesSends(t *testing.T) {
	rec := &recordingSender{}
	th := NewThrottled(rec, 20, 1)

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := th.Send(context.Background(), Message{To: "a@example.com"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// First send is free, the next three wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("expected sends to be throttled, took %v", elapsed)
	}
	if len(rec.sent) != 4 {
		t.Errorf("expected 4 sends, got %d", len(rec.sent))
	}
}

func TestThrottled_CancelledWhileWaiting(t *testing.T) {
	rec := &recordingSender{}
	th := NewThrottled(rec, 0.1, 1)

	if err := th.Send(context.Background(), Message{To: "a@example.com"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := th.Send(ctx, Message{To: "b@example.com"})
	if err == nil {
		t.Fatal("expected error when the limiter wait cannot finish before the deadline")
	}
	if len(rec.sent) != 1 {
		t.Errorf("expected second message not to be sent, got %d sends", len(rec.sent))
	}
}

func TestSMTPSender_EmptyRecipient(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 1025, From: "jobs@example.com"})

	if err := s.Send(context.Background(), Message{Subject: "hi", Text: "body"}); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestSMTPSender_InvalidHost(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 19999, From: "jobs@example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Send(ctx, Message{To: "user@example.com", Subject: "hi", Text: "body"})
	if err == nil {
		t.Error("expected error for unreachable SMTP host")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("expected a dial error, got %v", err)
	}
}
