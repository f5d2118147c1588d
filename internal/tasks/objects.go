package tasks

import (
	"context"
	"durableq/internal/objectstore"
	"durableq/internal/payload"
	"errors"

	"github.com/rs/zerolog/log"
)

// DeleteObject removes a blob. A blob that is already gone counts as deleted.
func (h *Handlers) DeleteObject(ctx context.Context, p payload.DeleteObject) error {
	err := h.Objects.Delete(ctx, p.Key)
	if errors.Is(err, objectstore.ErrNotFound) {
		log.Ctx(ctx).Debug().Str("key", p.Key).Msg("object already deleted")
		return nil
	}
	return err
}
