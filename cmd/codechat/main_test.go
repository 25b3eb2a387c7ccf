package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/chat"
	"codechat/internal/completion"
	"codechat/internal/core"
	"codechat/internal/stream"
	"codechat/internal/upstream"
)

type cannedStreamer struct {
	body string
	err  error
	got  *core.UserRequest
}

func (c *cannedStreamer) Stream(ctx context.Context, req upstream.Request, opts ...stream.Option) (*stream.Decoder, error) {
	c.got, _ = req.Body.(*core.UserRequest)
	if c.err != nil {
		return nil, c.err
	}
	return stream.NewDecoder(io.NopCloser(strings.NewReader(c.body)), opts...), nil
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-version"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "codechat "))
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-nope"}, &stdout, &stderr))
}

func TestParseAsk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o600))

	p, err := parseAsk([]string{"-file", path, "-offset", "3", "-type", "edit", "-selection", "", "rename", "this"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "rename this", p.Message)
	assert.Equal(t, core.MessageTypeEdit, p.Type)
	assert.Equal(t, path, p.FileName)
	assert.Equal(t, "package main\n", p.FileContents)
	assert.Equal(t, 3, p.CursorOffset)
	require.NotNil(t, p.Selection, "an explicit empty selection is still a selection")
	assert.Equal(t, "", *p.Selection)
}

func TestParseAsk_Defaults(t *testing.T) {
	p, err := parseAsk([]string{"why?"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, core.MessageTypeFreeform, p.Type)
	assert.Equal(t, -1, p.CursorOffset)
	assert.Nil(t, p.Selection)
}

func TestParseAsk_Errors(t *testing.T) {
	_, err := parseAsk(nil, io.Discard)
	assert.Error(t, err)

	_, err = parseAsk([]string{"-type", "Poem", "hi"}, io.Discard)
	assert.Error(t, err)

	_, err = parseAsk([]string{"-file", filepath.Join(t.TempDir(), "missing.go"), "hi"}, io.Discard)
	assert.Error(t, err)
}

func TestAskOnce_PrintsReply(t *testing.T) {
	streamer := &cannedStreamer{body: "data: Hello\r\ndata: \r\ndata: world\r\ndata: [DONE]\r\n"}
	svc := chat.NewService(streamer, chat.Config{ChatPath: "/conversation"})

	var out bytes.Buffer
	err := askOnce(context.Background(), svc, chat.Prompt{Message: "hi", Type: core.MessageTypeFreeform, CursorOffset: -1}, &out)

	require.NoError(t, err)
	assert.Equal(t, "Hello\nworld\n", out.String())
	require.NotNil(t, streamer.got)
	assert.Equal(t, "hi", streamer.got.Message)
}

func TestAskOnce_Error(t *testing.T) {
	streamer := &cannedStreamer{err: errors.New("connection refused")}
	svc := chat.NewService(streamer, chat.Config{})

	var out bytes.Buffer
	err := askOnce(context.Background(), svc, chat.Prompt{Message: "hi", CursorOffset: -1}, &out)

	require.Error(t, err)
	assert.Empty(t, out.String(), "the failure note is not printed as reply text")
}

func TestParseAsk_Complete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.go")
	require.NoError(t, os.WriteFile(path, []byte("func add() {\n}\n"), 0o600))

	req, err := parseAsk([]string{"-complete", "-file", path, "-offset", "12"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, req.complete)
	assert.Equal(t, 12, req.CursorOffset)
	assert.Equal(t, "func add() {\n}\n", req.FileContents)

	_, err = parseAsk([]string{"-complete"}, io.Discard)
	assert.Error(t, err, "completion needs a file")
}

type stubCompleter struct {
	text string
	err  error
	got  completion.Request
}

func (s *stubCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	s.got = req
	return s.text, s.err
}

func TestCompleteOnce(t *testing.T) {
	c := &stubCompleter{text: "return 1"}

	var out bytes.Buffer
	err := completeOnce(context.Background(), c, chat.Prompt{FileContents: "func one() int {\n\t\n}", CursorOffset: 18}, &out)

	require.NoError(t, err)
	assert.Equal(t, "return 1\n", out.String())
	assert.Equal(t, completion.Request{FileContents: "func one() int {\n\t\n}", CursorOffset: 18}, c.got)
}

func TestCompleteOnce_Error(t *testing.T) {
	c := &stubCompleter{err: errors.New("backend down")}

	var out bytes.Buffer
	err := completeOnce(context.Background(), c, chat.Prompt{FileContents: "x"}, &out)

	require.Error(t, err)
	assert.Empty(t, out.String())
}
