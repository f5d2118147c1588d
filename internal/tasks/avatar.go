package tasks

import (
	"bytes"
	"context"
	"durableq/internal/payload"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// ErrImageTooLarge is returned for source images over the pixel limit
var ErrImageTooLarge = errors.New("image too large")

// AvatarKey is where a resized avatar is stored
func AvatarKey(userID string, size int) string {
	return fmt.Sprintf("avatars/%s/%d.png", userID, size)
}

// ProcessAvatar center-crops the source image to a square and stores a PNG per size
func (h *Handlers) ProcessAvatar(ctx context.Context, p payload.ProcessAvatar) error {
	data, err := h.Objects.Get(ctx, p.SourceKey)
	if err != nil {
		return err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.SourceKey, err)
	}
	limit := h.MaxAvatarPixels
	if limit <= 0 {
		limit = DefaultMaxAvatarPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > limit/cfg.Height {
		return fmt.Errorf("%w: %s is %dx%d", ErrImageTooLarge, p.SourceKey, cfg.Width, cfg.Height)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.SourceKey, err)
	}
	crop := squareCrop(src.Bounds())

	for _, size := range p.Sizes {
		if err := ctx.Err(); err != nil {
			return err
		}

		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

		var buf bytes.Buffer
		if err := png.Encode(&buf, dst); err != nil {
			return fmt.Errorf("failed to encode %dpx avatar: %w", size, err)
		}
		if err := h.Objects.Put(ctx, AvatarKey(p.UserID, size), buf.Bytes()); err != nil {
			return err
		}
	}

	log.Ctx(ctx).Info().
		Str("user_id", p.UserID).
		Str("source_format", format).
		Ints("sizes", p.Sizes).
		Msg("avatar processed")
	return nil
}

func squareCrop(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w > h {
		off := (w - h) / 2
		return image.Rect(b.Min.X+off, b.Min.Y, b.Min.X+off+h, b.Max.Y)
	}
	off := (h - w) / 2
	return image.Rect(b.Min.X, b.Min.Y+off, b.Max.X, b.Min.Y+off+w)
}
