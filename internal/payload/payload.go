// Package payload defines the closed set of job kinds the queue can carry.
//
// Every variant is a plain struct serialised as JSON and stored next to its
// Kind discriminator. Decode rejects kinds it does not know so that payloads
// written by a newer producer fail the job instead of crashing a worker.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Kind is the discriminator stored with every job.
type Kind string

const (
	KindSendEmail           Kind = "send_email"
	KindSendNewsletterBatch Kind = "send_newsletter_batch"
	KindProcessAvatar       Kind = "process_avatar"
	KindDeleteObject        Kind = "delete_object"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrInvalid     = errors.New("invalid payload")
)

// Payload is implemented by every job variant.
type Payload interface {
	Kind() Kind
	Validate() error
}

// SendEmail renders one of the transactional templates and sends it to a single address.
type SendEmail struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Subject  string            `json:"subject"`
	Data     map[string]string `json:"data,omitempty"`
}

func (SendEmail) Kind() Kind { return KindSendEmail }

func (p SendEmail) Validate() error {
	if _, err := mail.ParseAddress(p.To); err != nil {
		return fmt.Errorf("%w: to %q: %v", ErrInvalid, p.To, err)
	}
	if p.Template == "" {
		return fmt.Errorf("%w: template is required", ErrInvalid)
	}
	return nil
}

// SendNewsletterBatch delivers one newsletter issue to a slice of its subscribers.
// Batch numbers increase when undeliverable recipients are re-queued.
type SendNewsletterBatch struct {
	NewsletterID string   `json:"newsletter_id"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Recipients   []string `json:"recipients"`
	Batch        int      `json:"batch"`
}

func (SendNewsletterBatch) Kind() Kind { return KindSendNewsletterBatch }

func (p SendNewsletterBatch) Validate() error {
	if p.NewsletterID == "" {
		return fmt.Errorf("%w: newsletter_id is required", ErrInvalid)
	}
	if len(p.Recipients) == 0 {
		return fmt.Errorf("%w: batch has no recipients", ErrInvalid)
	}
	return nil
}

// ProcessAvatar resizes an uploaded image into square thumbnails.
type ProcessAvatar struct {
	UserID    string `json:"user_id"`
	SourceKey string `json:"source_key"`
	Sizes     []int  `json:"sizes"`
}

func (ProcessAvatar) Kind() Kind { return KindProcessAvatar }

func (p ProcessAvatar) Validate() error {
	if p.UserID == "" || p.SourceKey == "" {
		return fmt.Errorf("%w: user_id and source_key are required", ErrInvalid)
	}
	if len(p.Sizes) == 0 {
		return fmt.Errorf("%w: at least one size is required", ErrInvalid)
	}
	for _, s := range p.Sizes {
		if s <= 0 || s > 2048 {
			return fmt.Errorf("%w: size %d out of range", ErrInvalid, s)
		}
	}
	return nil
}

// DeleteObject removes a blob from object storage.
type DeleteObject struct {
	Key string `json:"key"`
}

func (DeleteObject) Kind() Kind { return KindDeleteObject }

func (p DeleteObject) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalid)
	}
	return nil
}

// Kinds lists every variant the codec understands.
func Kinds() []Kind {
	return []Kind{KindSendEmail, KindSendNewsletterBatch, KindProcessAvatar, KindDeleteObject}
}

// Encode validates p and returns its discriminator and JSON body.
func Encode(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	if err := p.Validate(); err != nil {
		return "", nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return p.Kind(), body, nil
}

// Decode turns a stored discriminator and body back into its variant.
func Decode(kind Kind, body []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindSendEmail:
		var v SendEmail
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		p = v
	case KindSendNewsletterBatch:
		var v SendNewsletterBatch
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		p = v
	case KindProcessAvatar:
		var v ProcessAvatar
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		p = v
	case KindDeleteObject:
		var v DeleteObject
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}
