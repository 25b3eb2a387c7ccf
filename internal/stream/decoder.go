// Package stream decodes the line-framed event stream returned by the
// assistant backend into text fragments.
package stream

import (
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

const defaultReadBufferSize = 4096

// Summary describes a finished stream. It is handed to the Observer once.
type Summary struct {
	Chunks int
	Bytes  int64
	// Fragments counts fragments decoded from the body, including any still
	// queued when the summary is taken.
	Fragments   int
	SawSentinel bool
	Abandoned   bool
	Err         error
	Duration    time.Duration
}

// Observer receives the summary of each decoded stream.
type Observer interface {
	StreamCompleted(Summary)
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLegacyFraming frames each chunk independently, dropping lines that
// straddle chunk boundaries.
func WithLegacyFraming() Option {
	return func(d *Decoder) { d.legacy = true }
}

// WithReadBufferSize sets the size of each body read.
func WithReadBufferSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// WithMaxLineSize bounds how much unterminated text may be carried between chunks.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) { d.maxLineSize = n }
}

// WithObserver registers an observer notified when the stream ends.
func WithObserver(o Observer) Option {
	return func(d *Decoder) { d.observer = o }
}

// Decoder pulls chunks from a response body and yields fragments.
//
// A Decoder owns its body: the body is closed when the stream ends, fails,
// or the caller calls Close or Complete. Next is not safe for concurrent
// use; Close may be called from another goroutine to abandon the stream.
type Decoder struct {
	body        io.ReadCloser
	reframer    *Reframer
	legacy      bool
	bufSize     int
	maxLineSize int
	observer    Observer

	buf     []byte
	pending []string
	current string
	err     error
	done    bool
	started time.Time
	summary Summary

	closeOnce sync.Once
	closeErr  error
	abandoned atomic.Bool
}

// NewDecoder wraps body. The decoder starts in the open state.
func NewDecoder(body io.ReadCloser, opts ...Option) *Decoder {
	d := &Decoder{
		body:    body,
		bufSize: defaultReadBufferSize,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reframer = NewReframer(d.legacy, d.maxLineSize)
	d.buf = make([]byte, d.bufSize)
	return d
}

// Next advances to the next fragment, reading from the body as needed.
// It returns false once the stream has completed; check Err afterwards.
func (d *Decoder) Next() bool {
	for {
		if len(d.pending) > 0 {
			d.current = d.pending[0]
			d.pending = d.pending[1:]
			return true
		}
		if d.done {
			d.current = ""
			return false
		}
		if d.abandoned.Load() {
			d.finish(nil)
			continue
		}

		n, readErr := d.body.Read(d.buf)
		if n > 0 {
			d.summary.Chunks++
			d.summary.Bytes += int64(n)
			fragments, err := d.reframer.Feed(string(d.buf[:n]))
			d.queue(fragments)
			if err != nil {
				d.finish(err)
				continue
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			d.queue(d.reframer.Flush())
			d.finish(nil)
		case d.abandoned.Load():
			// Read failed because Close was called underneath it
			d.finish(nil)
		default:
			d.finish(readErr)
		}
	}
}

// Fragment returns the fragment produced by the last successful Next.
func (d *Decoder) Fragment() string {
	return d.current
}

// All returns a single-use iterator over the remaining fragments.
// Stopping the range early closes the body.
func (d *Decoder) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for d.Next() {
			if !yield(d.Fragment()) {
				_ = d.Complete()
				return
			}
		}
	}
}

// Err returns the terminal transport error, if any.
// It is nil while the stream is open, after a clean end, and after Close.
func (d *Decoder) Err() error {
	return d.err
}

// SawSentinel reports whether the [DONE] marker has been seen so far.
func (d *Decoder) SawSentinel() bool {
	return d.reframer.SawSentinel()
}

// Complete releases the body and reports how the response ended.
// It returns the transport error that terminated the stream, or nil when
// the body ended cleanly or consumption was abandoned.
func (d *Decoder) Complete() error {
	if !d.done {
		d.abandoned.Store(true)
		d.finish(nil)
	}
	return d.err
}

// Close abandons the stream and releases the body. Abandoning is not an
// error; Close returns only a failure to close the body itself. Unlike
// Complete it may be called while another goroutine is blocked in Next.
func (d *Decoder) Close() error {
	d.abandoned.Store(true)
	return d.closeBody()
}

func (d *Decoder) queue(fragments []string) {
	d.pending = append(d.pending, fragments...)
	d.summary.Fragments += len(fragments)
}

func (d *Decoder) finish(err error) {
	if d.done {
		return
	}
	d.done = true
	d.err = err
	_ = d.closeBody()

	if d.observer != nil {
		s := d.summary
		s.SawSentinel = d.reframer.SawSentinel()
		s.Abandoned = d.abandoned.Load()
		s.Err = err
		s.Duration = time.Since(d.started)
		d.observer.StreamCompleted(s)
	}
}

func (d *Decoder) closeBody() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}

// Collect drains d and returns every fragment along with the completion error.
func Collect(d *Decoder) ([]string, error) {
	var out []string
	for d.Next() {
		out = append(out, d.Fragment())
	}
	return out, d.Complete()
}
