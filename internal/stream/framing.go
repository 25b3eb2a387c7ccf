package stream

import (
	"errors"
	"strings"
)

const (
	// DataPrefix marks a payload-carrying line.
	DataPrefix = "data: "
	// Sentinel is the payload that signals logical end of content.
	Sentinel = "[DONE]"

	lineBreak = "\r\n"

	// DefaultMaxLineSize bounds the carry-over buffer.
	DefaultMaxLineSize = 1024 * 1024
)

// ErrLineTooLong is returned when an unterminated line outgrows the carry-over buffer.
var ErrLineTooLong = errors.New("stream: line exceeds maximum size")

// Reframer turns raw chunks into fragments.
//
// In the default mode the text after the last CRLF is kept and prepended to
// the next chunk, so output depends only on the concatenated input. In
// legacy mode each chunk is framed on its own and its unterminated tail is
// dropped; a line split across two chunks is lost.
type Reframer struct {
	legacy      bool
	maxLineSize int
	carry       string
	sawSentinel bool
}

// NewReframer creates a Reframer. maxLineSize <= 0 uses DefaultMaxLineSize.
func NewReframer(legacy bool, maxLineSize int) *Reframer {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &Reframer{legacy: legacy, maxLineSize: maxLineSize}
}

// Feed frames one chunk and returns the fragments it completes, in line order.
func (r *Reframer) Feed(chunk string) ([]string, error) {
	text := chunk
	if !r.legacy && r.carry != "" {
		text = r.carry + chunk
		r.carry = ""
	}

	idx := strings.LastIndex(text, lineBreak)
	if idx < 0 {
		if !r.legacy {
			if len(text) > r.maxLineSize {
				return nil, ErrLineTooLong
			}
			r.carry = text
		}
		return nil, nil
	}

	if !r.legacy {
		r.carry = text[idx+len(lineBreak):]
		if len(r.carry) > r.maxLineSize {
			return nil, ErrLineTooLong
		}
	}
	return r.frame(strings.Split(text[:idx], lineBreak)), nil
}

// Flush frames whatever is left in the carry-over buffer once the body has
// ended cleanly. Legacy mode never carries anything, so it returns nil.
func (r *Reframer) Flush() []string {
	if r.carry == "" {
		return nil
	}
	line := strings.TrimSuffix(r.carry, "\r")
	r.carry = ""
	return r.frame([]string{line})
}

// SawSentinel reports whether a [DONE] payload has been seen.
func (r *Reframer) SawSentinel() bool {
	return r.sawSentinel
}

func (r *Reframer) frame(lines []string) []string {
	var out []string
	for _, line := range lines {
		payload, ok := strings.CutPrefix(line, DataPrefix)
		if !ok {
			continue
		}
		if payload == "" {
			// A bare "data: " line is a line break in the text stream
			payload = "\n"
		}
		if payload == Sentinel {
			r.sawSentinel = true
			continue
		}
		out = append(out, payload)
	}
	return out
}

// DecodeChunk frames a single chunk in isolation (legacy semantics).
func DecodeChunk(chunk string) []string {
	out, _ := NewReframer(true, 0).Feed(chunk)
	return out
}
