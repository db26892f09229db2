package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/choijoonbin/aura-platform-sub000/event"
)

// DoneMarker is the data of the final frame of every run stream.
const DoneMarker = "[DONE]"

// Frame is one unit written to a client.
type Frame struct {
	ID    string
	Event string
	Data  json.RawMessage
	// Done marks the end-of-stream frame.
	Done bool
}

// EnvelopeFrame wraps a run event. Run frames carry no id: run streams are
// not replayable, the sequence lives in the data.
func EnvelopeFrame(env event.Envelope) (Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return Frame{}, fmt.Errorf("encode envelope: %w", err)
	}
	return Frame{Event: string(env.Type), Data: data}, nil
}

// ResourceFrame wraps a resource event; its id is the ring event id so
// clients can reconnect with Last-Event-ID.
func ResourceFrame(ev ResourceEvent) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode resource event: %w", err)
	}
	return Frame{ID: ev.ID, Event: ev.Type, Data: data}, nil
}

// DoneFrame ends a stream.
func DoneFrame() Frame {
	return Frame{Done: true}
}

// FrameWriter delivers frames to a single client.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// EncodeSSE renders f in text/event-stream format.
func EncodeSSE(f Frame) []byte {
	var buf bytes.Buffer
	if f.Done {
		buf.WriteString("data: " + DoneMarker + "\n\n")
		return buf.Bytes()
	}
	if f.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	buf.WriteString("data: ")
	buf.Write(f.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// SSEWriter writes frames to an event-stream body, flushing after each one.
type SSEWriter struct {
	w     io.Writer
	flush func() error
}

// NewSSEWriter wraps w. flush may be nil.
func NewSSEWriter(w io.Writer, flush func() error) *SSEWriter {
	return &SSEWriter{w: w, flush: flush}
}

// WriteFrame implements FrameWriter.
func (s *SSEWriter) WriteFrame(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(EncodeSSE(f)); err != nil {
		return err
	}
	return s.Flush()
}

// WriteComment writes an SSE comment line, used for keepalives.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.Flush()
}

// Flush pushes buffered bytes to the client.
func (s *SSEWriter) Flush() error {
	if s.flush == nil {
		return nil
	}
	return s.flush()
}
