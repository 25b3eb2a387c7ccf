package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, r *Reframer, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		frags, err := r.Feed(c)
		require.NoError(t, err)
		out = append(out, frags...)
	}
	return append(out, r.Flush()...)
}

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  []string
	}{
		{"single data line", "data: hello\r\n\r\n", []string{"hello"}},
		{"two empty data lines become newlines", "data: \r\ndata: \r\n", []string{"\n", "\n"}},
		{"sentinel dropped", "data: foo\r\ndata: [DONE]\r\n\r\n", []string{"foo"}},
		{"sentinel between payloads", "data: a\r\ndata: [DONE]\r\ndata: b\r\n", []string{"a", "b"}},
		{"non data lines ignored", "event: delta\r\nid: 7\r\n: comment\r\ndata: x\r\n", []string{"x"}},
		{"no data lines", "event: ping\r\n\r\n", nil},
		{"empty chunk", "", nil},
		{"prefix without space is not data", "data:x\r\n", nil},
		{"unterminated tail dropped", "data: a\r\ndata: b", []string{"a"}},
		{"no terminator at all", "data: Hel", nil},
		{"payload keeps inner spaces", "data:  two spaces\r\n", []string{" two spaces"}},
		{"bare LF is not a terminator", "data: a\ndata: b\r\n", []string{"a\ndata: b"}},
		{"line break payload mixed with text", "data: ：\r\ndata: \r\ndata: \r\n\r\n", []string{"：", "\n", "\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeChunk(tt.chunk))
		})
	}
}

func TestReframer_LegacySplitWordIsLost(t *testing.T) {
	r := NewReframer(true, 0)

	first, err := r.Feed("data: Hel")
	require.NoError(t, err)
	second, err := r.Feed("lo\r\n\r\n")
	require.NoError(t, err)

	assert.Empty(t, first)
	assert.Empty(t, second)
	assert.Empty(t, r.Flush())
}

func TestReframer_CarriesPartialLines(t *testing.T) {
	r := NewReframer(false, 0)

	got := feedAll(t, r, "data: Hel", "lo\r\n\r\n")
	assert.Equal(t, []string{"Hello"}, got)
}

func TestReframer_SplitTerminator(t *testing.T) {
	r := NewReframer(false, 0)

	got := feedAll(t, r, "data: a\r", "\ndata: b\r\n")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestReframer_SplitPrefix(t *testing.T) {
	r := NewReframer(false, 0)

	got := feedAll(t, r, "dat", "a", ": x\r\nda", "ta: [DO", "NE]\r\n\r\n")
	assert.Equal(t, []string{"x"}, got)
	assert.True(t, r.SawSentinel())
}

func TestReframer_FlushEmitsUnterminatedLastLine(t *testing.T) {
	r := NewReframer(false, 0)

	got := feedAll(t, r, "data: a\r\ndata: tail")
	assert.Equal(t, []string{"a", "tail"}, got)

	r = NewReframer(false, 0)
	got = feedAll(t, r, "data: a\r\ndata: tail\r")
	assert.Equal(t, []string{"a", "tail"}, got)
}

func TestReframer_InvariantUnderRechunking(t *testing.T) {
	input := "data: The\r\ndata:  quick\r\ndata: \r\nevent: x\r\ndata: brown\r\n\r\ndata: 狐狸\r\ndata: [DONE]\r\n\r\n"
	want := []string{"The", " quick", "\n", "brown", "狐狸"}

	for size := 1; size <= len(input); size++ {
		r := NewReframer(false, 0)
		var chunks []string
		for i := 0; i < len(input); i += size {
			end := min(i+size, len(input))
			chunks = append(chunks, input[i:end])
		}
		got := feedAll(t, r, chunks...)
		require.Equal(t, want, got, "chunk size %d", size)
		require.True(t, r.SawSentinel(), "chunk size %d", size)
	}
}

func TestReframer_SentinelNeverEmitted(t *testing.T) {
	inputs := []string{
		"data: [DONE]\r\n",
		"data: [DONE]\r\ndata: [DONE]\r\n\r\n",
		"data: x\r\ndata: [DONE]\r\ndata: y\r\n",
	}
	for _, in := range inputs {
		for _, legacy := range []bool{true, false} {
			got := feedAll(t, NewReframer(legacy, 0), in)
			assert.NotContains(t, got, Sentinel)
		}
	}
}

func TestReframer_LineTooLong(t *testing.T) {
	r := NewReframer(false, 8)

	_, err := r.Feed("data: 0123456789")
	assert.ErrorIs(t, err, ErrLineTooLong)

	r = NewReframer(false, 8)
	_, err = r.Feed("data: ok\r\n" + strings.Repeat("x", 9))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReframer_LegacyIgnoresLineLimit(t *testing.T) {
	r := NewReframer(true, 4)

	got, err := r.Feed("data: " + strings.Repeat("y", 32) + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, []string{strings.Repeat("y", 32)}, got)
}
