// Package sse rewrites an upstream OpenAI chat-completion event stream in
// transit. It hoists the assistant role, strips the model identity, attaches
// timing stats to usage events and guarantees that every completed stream ends
// with exactly one usage event and one [DONE] sentinel.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/tokens"
)

const readBufferSize = 32 * 1024

var doneEvent = []byte("data: [DONE]\n\n")

// Options configures a Rewriter.
type Options struct {
	// HideModelIdentity removes the top-level "model" field of every event.
	HideModelIdentity bool

	// PromptTokens is the estimated prompt size used when the upstream never
	// reports usage.
	PromptTokens int

	// Start is when the upstream request was issued. Defaults to now.
	Start time.Time

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Rewriter is a single-use, single-goroutine transform over one stream.
type Rewriter struct {
	hideModel    bool
	promptTokens int
	start        time.Time
	now          func() time.Time

	usageSeen      bool
	sentinelSent   bool
	firstTokenSeen bool
	firstTokenTime int64
	completion     strings.Builder
	partial        []byte
}

// NewRewriter creates a rewriter for one stream.
func NewRewriter(opts Options) *Rewriter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	start := opts.Start
	if start.IsZero() {
		start = now()
	}

	return &Rewriter{
		hideModel:    opts.HideModelIdentity,
		promptTokens: opts.PromptTokens,
		start:        start,
		now:          now,
	}
}

// Pipe reads src until EOF, writing the rewritten stream to dst. It returns
// domain.ErrAborted once ctx is cancelled, without writing anything further.
func (r *Rewriter) Pipe(ctx context.Context, src io.Reader, dst io.Writer) error {
	buf := make([]byte, readBufferSize)

	for {
		if ctx.Err() != nil {
			return domain.ErrAborted
		}

		n, err := src.Read(buf)
		if n > 0 {
			if writeErr := r.Transform(ctx, buf[:n], dst); writeErr != nil {
				return writeErr
			}
		}

		if errors.Is(err, io.EOF) {
			return r.Finish(ctx, dst)
		}

		if err != nil {
			if ctx.Err() != nil {
				return domain.ErrAborted
			}
			return fmt.Errorf("failed to read upstream stream: %w", err)
		}
	}
}

// Transform consumes one raw chunk and writes every completed line. A trailing
// partial line is held until the next chunk or Finish.
func (r *Rewriter) Transform(ctx context.Context, chunk []byte, w io.Writer) error {
	if ctx.Err() != nil {
		return domain.ErrAborted
	}

	r.partial = append(r.partial, chunk...)

	for {
		idx := bytes.IndexByte(r.partial, '\n')
		if idx < 0 {
			break
		}

		if ctx.Err() != nil {
			return domain.ErrAborted
		}

		if err := r.processLine(r.partial[:idx+1], w); err != nil {
			return err
		}

		r.partial = r.partial[idx+1:]
	}

	if len(r.partial) == 0 {
		r.partial = nil
	}

	return nil
}

// Finish flushes a trailing partial line and, for a stream that ended without
// a sentinel, emits the fallback usage event and the sentinel.
func (r *Rewriter) Finish(ctx context.Context, w io.Writer) error {
	if ctx.Err() != nil {
		return domain.ErrAborted
	}

	if len(r.partial) > 0 {
		line := append(r.partial, '\n')
		r.partial = nil

		if err := r.processLine(line, w); err != nil {
			return err
		}
	}

	if r.sentinelSent {
		return nil
	}

	if !r.usageSeen {
		if err := r.writeFallback(w); err != nil {
			return err
		}
	}

	r.sentinelSent = true
	_, err := w.Write(doneEvent)
	return err
}

// Stats returns the accounting gathered so far. Token counts are estimates.
func (r *Rewriter) Stats() domain.UsageStats {
	return domain.UsageStats{
		PromptTokens:     r.promptTokens,
		CachedTokens:     0,
		CompletionTokens: tokens.Estimate(r.completion.String()),
		FirstTokenTime:   r.firstTokenTime,
		TotalTime:        r.elapsed(),
	}
}

// UsageSeen reports whether the upstream sent its own usage block.
func (r *Rewriter) UsageSeen() bool {
	return r.usageSeen
}

// processLine handles one line including its terminating newline.
func (r *Rewriter) processLine(raw []byte, w io.Writer) error {
	line := bytes.TrimSuffix(bytes.TrimSuffix(raw, []byte("\n")), []byte("\r"))

	payload, ok := dataPayload(line)
	if !ok {
		return write(w, raw)
	}

	if isSentinel(payload) {
		return r.handleSentinel(raw, w)
	}

	// Nothing follows the sentinel on the wire.
	if r.sentinelSent {
		return nil
	}

	ev, ok := parseEvent(payload)
	if !ok {
		return write(w, raw)
	}

	if !r.firstTokenSeen && strings.TrimSpace(ev.content) != "" {
		r.firstTokenSeen = true
		r.firstTokenTime = r.elapsed()
	}
	r.completion.WriteString(ev.content)

	out, err := r.rewrite(payload, ev)
	if err != nil {
		return write(w, raw)
	}

	if !ev.hasUsage {
		return writeData(w, out, "\n")
	}

	r.usageSeen = true

	if !ev.terminal {
		return writeData(w, out, "\n")
	}

	if err := writeData(w, out, "\n\n"); err != nil {
		return err
	}

	r.sentinelSent = true
	return write(w, doneEvent)
}

func (r *Rewriter) handleSentinel(raw []byte, w io.Writer) error {
	if r.sentinelSent {
		return nil
	}

	if !r.usageSeen {
		if err := r.writeFallback(w); err != nil {
			return err
		}
	}

	r.sentinelSent = true
	return write(w, raw)
}

func (r *Rewriter) rewrite(payload []byte, ev event) ([]byte, error) {
	out := bytes.Clone(payload)

	var err error

	if ev.role != "" {
		out, err = sjson.SetBytes(out, "role", ev.role)
		if err != nil {
			return nil, fmt.Errorf("failed to hoist role: %w", err)
		}
	}

	if r.hideModel && gjson.GetBytes(out, "model").Exists() {
		out, err = sjson.DeleteBytes(out, "model")
		if err != nil {
			return nil, fmt.Errorf("failed to strip model: %w", err)
		}
	}

	if ev.hasUsage {
		stats, marshalErr := json.Marshal(r.Stats().Stats())
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", marshalErr)
		}

		out, err = sjson.SetRawBytes(out, "stats", stats)
		if err != nil {
			return nil, fmt.Errorf("failed to attach stats: %w", err)
		}
	}

	return out, nil
}

type fallbackEvent struct {
	Usage domain.Usage       `json:"usage"`
	Stats domain.StreamStats `json:"stats"`
}

func (r *Rewriter) writeFallback(w io.Writer) error {
	stats := r.Stats()

	data, err := json.Marshal(fallbackEvent{
		Usage: stats.Usage(),
		Stats: stats.Stats(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal fallback usage: %w", err)
	}

	return writeData(w, data, "\n\n")
}

func (r *Rewriter) elapsed() int64 {
	return r.now().Sub(r.start).Milliseconds()
}

func write(w io.Writer, p []byte) error {
	_, err := w.Write(p)
	return err
}

func writeData(w io.Writer, payload []byte, terminator string) error {
	line := make([]byte, 0, len("data: ")+len(payload)+len(terminator))
	line = append(line, "data: "...)
	line = append(line, payload...)
	line = append(line, terminator...)

	return write(w, line)
}
