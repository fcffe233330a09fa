package reservation

import (
	"context"
	"errors"
	"io"

	"chat_gateway/internal/billing"
	"chat_gateway/internal/logging"
	"chat_gateway/internal/providers"
)

// Finalizer bridges a streamed generation to the reservation's
// two-outcome contract: the complete chunk settles the claim as
// consumed, any failure before it rolls the claim back.
type Finalizer struct {
	res    *Reservation
	logger *logging.Logger
}

// NewFinalizer wraps an admitted reservation for stream-driven
// finalization.
func NewFinalizer(res *Reservation) *Finalizer {
	return &Finalizer{
		res:    res,
		logger: logging.NewLogger("reservation.finalizer"),
	}
}

// Drain consumes the stream, forwarding each chunk to emit. When the
// complete chunk arrives the reservation is completed and any
// trackError is attached to that chunk before forwarding. If the stream
// or emit fails, or the context is cancelled, before a complete chunk
// was observed, the reservation is released and the error returned.
//
// Exactly one of Complete or Release runs per call, even when a
// cancellation lands between processing the complete chunk and the
// stream unwinding.
func (f *Finalizer) Drain(ctx context.Context, stream providers.ChunkStream, emit func(*providers.Chunk) error) error {
	finalized := false
	var provider, model string

	// Finalization must survive the caller's cancellation; a cancelled
	// request still has to return its claimed quota unit.
	settleCtx := context.WithoutCancel(ctx)

	defer func() {
		stream.Close()
		if !finalized {
			f.res.Release(settleCtx)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if finalized {
					return nil
				}
				// Stream ended without a terminal chunk.
				return io.ErrUnexpectedEOF
			}
			return err
		}

		switch chunk.Type {
		case providers.ChunkTypeMetadata:
			provider = chunk.Provider
			model = chunk.Model

		case providers.ChunkTypeComplete:
			usage := billing.Usage{Provider: provider, Model: model}
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.InputTokens
				usage.OutputTokens = chunk.Usage.OutputTokens
				usage.TotalTokens = chunk.Usage.TotalTokens
			}

			result := f.res.Complete(settleCtx, usage)
			finalized = true
			chunk.TrackError = result.TrackError
			if result.TrackError != "" {
				f.logger.Warn("usage tracking failed",
					"identity", f.res.Identity(),
					"error", result.TrackError)
			}
		}

		if err := emit(chunk); err != nil {
			return err
		}
	}
}
