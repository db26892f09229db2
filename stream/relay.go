package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// DefaultPopTimeout is how long a relay waits for the next event.
const DefaultPopTimeout = 300 * time.Second

var (
	// ErrStreamReadTimeout is returned when no event arrived in time. The
	// client already received a synthesized failed frame and [DONE].
	ErrStreamReadTimeout = types.NewError(types.ErrStreamTimeout, "stream read timed out").
				WithRetryable(true)

	// ErrRunNotFound is returned when the run has no queue.
	ErrRunNotFound = types.NewError(types.ErrNotFound, "run not found")

	// ErrFrameEncode is returned when a queued event could not be encoded.
	// The client already received a synthesized failed frame and [DONE].
	ErrFrameEncode = types.NewError(types.ErrInternalError, "run event could not be encoded")
)

// RelayOptions tunes Relay.
type RelayOptions struct {
	PopTimeout time.Duration
	Logger     *zap.Logger
	// OnEvent observes every envelope relayed, including synthesized ones.
	OnEvent func(env event.Envelope)
}

// RelayResult summarizes one relay.
type RelayResult struct {
	Frames      int
	LastType    event.Type
	LastSeq     uint64
	Synthesized bool
}

// Relay forwards runID's events to w until a terminal event, then writes
// [DONE]. If no event arrives within PopTimeout, or the queue disappears,
// it writes a synthesized failed frame and [DONE] and returns
// ErrStreamReadTimeout. An event that cannot be encoded ends the stream the
// same way with ErrFrameEncode. A canceled ctx ends the relay silently.
func Relay(ctx context.Context, queues *QueueRegistry, runID string, w FrameWriter, opts RelayOptions) (RelayResult, error) {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var res RelayResult
	if !queues.Exists(runID) {
		return res, ErrRunNotFound
	}

	for {
		env, ok := queues.Pop(ctx, runID, opts.PopTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			logger.Warn("stream read timed out",
				zap.String("run_id", runID),
				zap.String("last_type", string(res.LastType)),
				zap.Duration("pop_timeout", opts.PopTimeout))
			if err := writeSyntheticFailure(ctx, w, runID, &res, opts, event.FailedPayload{
				Error:       fmt.Sprintf("no event received within %s", opts.PopTimeout),
				Code:        string(types.ErrStreamTimeout),
				Stage:       string(res.LastType),
				Recoverable: true,
				Synthetic:   true,
			}); err != nil {
				return res, err
			}
			return res, ErrStreamReadTimeout
		}

		f, err := EnvelopeFrame(env)
		if err != nil {
			logger.Error("run event not encodable",
				zap.String("run_id", runID),
				zap.String("type", string(env.Type)),
				zap.Uint64("sequence", env.Sequence),
				zap.Error(err))
			if err := writeSyntheticFailure(ctx, w, runID, &res, opts, event.FailedPayload{
				Error:     "run event could not be encoded",
				Code:      string(types.ErrInternalError),
				Stage:     string(env.Type),
				Synthetic: true,
			}); err != nil {
				return res, err
			}
			return res, types.NewError(ErrFrameEncode.Code, ErrFrameEncode.Message).WithCause(err)
		}
		if err := writeFrame(ctx, w, f, env, &res, opts); err != nil {
			return res, err
		}
		if env.IsTerminal() {
			return res, w.WriteFrame(ctx, DoneFrame())
		}
	}
}

func writeFrame(ctx context.Context, w FrameWriter, f Frame, env event.Envelope, res *RelayResult, opts RelayOptions) error {
	if err := w.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	res.Frames++
	res.LastType = env.Type
	res.LastSeq = env.Sequence
	if opts.OnEvent != nil {
		opts.OnEvent(env)
	}
	return nil
}

func writeSyntheticFailure(ctx context.Context, w FrameWriter, runID string, res *RelayResult, opts RelayOptions, payload event.FailedPayload) error {
	seq := uint64(0)
	if res.Frames > 0 {
		seq = res.LastSeq + 1
	}
	env, err := event.NewEnvelope(runID, event.TypeFailed, seq, payload)
	if err != nil {
		return err
	}
	f, err := EnvelopeFrame(env)
	if err != nil {
		return err
	}
	res.Synthesized = true
	if err := writeFrame(ctx, w, f, env, res, opts); err != nil {
		return err
	}
	return w.WriteFrame(ctx, DoneFrame())
}
