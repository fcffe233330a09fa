package reservation

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_gateway/internal/billing"
	"chat_gateway/internal/providers"
	"chat_gateway/internal/quota"
)

// scriptedStream replays a fixed chunk sequence, optionally ending with
// an injected error instead of EOF.
type scriptedStream struct {
	chunks []*providers.Chunk
	errAt  error
	pos    int
	closed bool
}

func (s *scriptedStream) Next() (*providers.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.errAt != nil {
			return nil, s.errAt
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func metaChunk() *providers.Chunk {
	return &providers.Chunk{Type: providers.ChunkTypeMetadata, Provider: "openai", Model: "gpt-4o"}
}

func textChunk(content string) *providers.Chunk {
	return &providers.Chunk{Type: providers.ChunkTypeText, Content: content}
}

func completeChunk(total int) *providers.Chunk {
	return &providers.Chunk{
		Type:         providers.ChunkTypeComplete,
		Usage:        &providers.TokenUsage{InputTokens: 1, OutputTokens: total - 1, TotalTokens: total},
		FinishReason: "stop",
	}
}

func reserveFree(t *testing.T, mgr *Manager) (*Reservation, quota.Ledger) {
	t.Helper()
	decision, res, err := mgr.Reserve(context.Background(), "user-1", RequestMetadata{})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	return res, mgr.ledger
}

func TestDrain_SuccessCompletesReservation(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)

	stream := &scriptedStream{chunks: []*providers.Chunk{
		metaChunk(), textChunk("Hel"), textChunk("lo"), completeChunk(17),
	}}

	var emitted []*providers.Chunk
	err := NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		emitted = append(emitted, c)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, emitted, 4)
	assert.Equal(t, StateCompleted, res.State())
	assert.True(t, stream.closed)
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))
}

func TestDrain_MidStreamErrorReleases(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))

	streamErr := errors.New("connection reset")
	stream := &scriptedStream{
		chunks: []*providers.Chunk{metaChunk(), textChunk("par")},
		errAt:  streamErr,
	}

	err := NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		return nil
	})
	assert.Equal(t, streamErr, err)

	// The claimed unit is returned.
	assert.Equal(t, StateReleased, res.State())
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
	assert.True(t, stream.closed)
}

func TestDrain_TruncatedStreamReleases(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)

	stream := &scriptedStream{chunks: []*providers.Chunk{metaChunk(), textChunk("x")}}

	err := NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		return nil
	})
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Equal(t, StateReleased, res.State())
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
}

func TestDrain_EmitErrorReleases(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)

	stream := &scriptedStream{chunks: []*providers.Chunk{metaChunk(), textChunk("x"), completeChunk(5)}}

	writeErr := errors.New("client went away")
	err := NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		if c.Type == providers.ChunkTypeText {
			return writeErr
		}
		return nil
	})
	assert.Equal(t, writeErr, err)
	assert.Equal(t, StateReleased, res.State())
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
}

func TestDrain_CancellationReleases(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := &scriptedStream{chunks: []*providers.Chunk{metaChunk(), completeChunk(5)}}

	err := NewFinalizer(res).Drain(ctx, stream, func(c *providers.Chunk) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReleased, res.State())
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
}

func TestDrain_ErrorAfterCompleteDoesNotDoubleFinalize(t *testing.T) {
	// A failure unwinding after the terminal chunk was processed must
	// not roll back the already-committed claim.
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	res, _ := reserveFree(t, mgr)

	streamErr := errors.New("late failure")
	stream := &scriptedStream{
		chunks: []*providers.Chunk{metaChunk(), completeChunk(5)},
		errAt:  streamErr,
	}

	err := NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		return nil
	})
	assert.Equal(t, streamErr, err)
	assert.Equal(t, StateCompleted, res.State())
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))
}

func TestDrain_TrackErrorAttachedToCompleteChunk(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	adapter := &fakeAdapter{
		standing:  billing.Standing{Status: billing.StatusSubscribed},
		recordErr: errors.New("usage endpoint timed out"),
	}
	mgr := NewManager(ledger, adapter, nil)

	decision, res, err := mgr.Reserve(context.Background(), "user-1", RequestMetadata{})
	require.NoError(t, err)
	require.Equal(t, ModePaid, decision.Mode)

	stream := &scriptedStream{chunks: []*providers.Chunk{metaChunk(), completeChunk(8)}}

	var final *providers.Chunk
	err = NewFinalizer(res).Drain(context.Background(), stream, func(c *providers.Chunk) error {
		if c.Type == providers.ChunkTypeComplete {
			final = c
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "usage endpoint timed out", final.TrackError)

	// Usage metadata from the stream reached the billing backend.
	require.Len(t, adapter.recorded, 1)
	assert.Equal(t, "openai", adapter.recorded[0].Provider)
	assert.Equal(t, 8, adapter.recorded[0].TotalTokens)
}
