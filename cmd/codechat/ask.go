package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"codechat/config"
	"codechat/internal/app"
	"codechat/internal/chat"
	"codechat/internal/completion"
	"codechat/internal/core"
)

// session is the part of chat.Service that ask drives.
type session interface {
	Attach(l chat.Listener)
	Detach(l chat.Listener)
	Confirm(ctx context.Context, p chat.Prompt) (string, error)
}

// completer is the part of completion.Service that ask -complete drives.
type completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// askRequest is a parsed ask command line.
type askRequest struct {
	chat.Prompt
	// complete asks for an inline suggestion at -offset instead of a chat reply.
	complete bool
}

func ask(result *config.LoadResult, args []string, stdout, stderr io.Writer) int {
	req, err := parseAsk(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, result, app.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize: %v\n", err)
		return 1
	}
	defer func() { _ = application.Shutdown(context.Background()) }()

	if req.complete {
		c := application.Completer()
		if c == nil {
			fmt.Fprintln(stderr, "error: no completion backend configured (set COMPLETION_URL)")
			return 1
		}
		if err := completeOnce(ctx, c, req.Prompt, stdout); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	err = askOnce(ctx, application.Session(), req.Prompt, stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, chat.ErrAborted):
		fmt.Fprintln(stderr, "aborted")
		return 130
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

func parseAsk(args []string, stderr io.Writer) (askRequest, error) {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	complete := fs.Bool("complete", false, "Print an inline completion for -file at -offset instead of asking")
	fs.SetOutput(stderr)
	file := fs.String("file", "", "File the question is about")
	offset := fs.Int("offset", -1, "Cursor byte offset in -file; negative means end of file")
	msgType := fs.String("type", "", "Message type: Freeform, Generate, Edit, Custom, GenVar")
	root := fs.String("root", "", "Project root path")
	var selection *string
	fs.Func("selection", "Selected text", func(s string) error {
		selection = &s
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return askRequest{}, err
	}

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	switch {
	case *complete && *file == "":
		return askRequest{}, errors.New("ask: -complete requires -file")
	case !*complete && message == "":
		return askRequest{}, errors.New("ask: a message is required")
	}
	kind, err := core.ParseMessageType(*msgType)
	if err != nil {
		return askRequest{}, err
	}

	p := chat.Prompt{
		Message:      message,
		Type:         kind,
		RootPath:     *root,
		FileName:     *file,
		CursorOffset: *offset,
		Selection:    selection,
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return askRequest{}, fmt.Errorf("ask: %w", err)
		}
		p.FileContents = string(data)
	}
	return askRequest{Prompt: p, complete: *complete}, nil
}

// completeOnce prints the suggestion for the cursor in p.
func completeOnce(ctx context.Context, c completer, p chat.Prompt, w io.Writer) error {
	text, err := c.Complete(ctx, completion.Request{
		FileContents: p.FileContents,
		CursorOffset: p.CursorOffset,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

// askOnce sends p and copies the reply to w as it streams.
func askOnce(ctx context.Context, s session, p chat.Prompt, w io.Writer) error {
	out := &printer{w: w}
	p.Started = out.follow
	s.Attach(out)
	defer s.Detach(out)

	if _, err := s.Confirm(ctx, p); err != nil {
		return err
	}
	out.newline()
	return nil
}

// printer writes the growth of the reply announced to follow.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	replyID string
	sent    int
}

func (p *printer) ReadyStateChanged(bool) {}

func (p *printer) MessagesCleared() {}

func (p *printer) MessageAdded(*core.Message) {}

func (p *printer) follow(replyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyID = replyID
}

func (p *printer) MessageChanged(m *core.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyID == "" || m.ID != p.replyID || m.Failed || len(m.Contents) <= p.sent {
		return
	}
	_, _ = io.WriteString(p.w, m.Contents[p.sent:])
	p.sent = len(m.Contents)
}

func (p *printer) newline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent > 0 {
		_, _ = io.WriteString(p.w, "\n")
	}
}
