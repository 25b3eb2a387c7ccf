// Package completion asks a text-generation backend for an inline
// suggestion at the editor cursor, using fill-in-the-middle prompting when
// there is code after the cursor.
package completion

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"codechat/internal/core"
	"codechat/internal/upstream"
)

// DefaultCharLimit bounds the text taken from each side of the cursor.
const DefaultCharLimit = 100000

// Tokens are the markers of a fill-in-the-middle prompt.
type Tokens struct {
	Prefix string
	Suffix string
	Middle string
	Stop   string
}

// DefaultTokens are the StarCoder family markers.
var DefaultTokens = Tokens{
	Prefix: "<fim_prefix>",
	Suffix: "<fim_suffix>",
	Middle: "<fim_middle>",
	Stop:   "<|endoftext|>",
}

// Config holds the generation settings.
type Config struct {
	Path      string
	CharLimit int
	Tokens    Tokens

	MaxNewTokens int
	// Temperature is sent as null when nil, leaving the backend default.
	Temperature *float64
	TopP        float64
	DoSample    bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Path:         "/generate",
		CharLimit:    DefaultCharLimit,
		Tokens:       DefaultTokens,
		MaxNewTokens: 60,
		TopP:         0.95,
	}
}

// Fetcher sends a buffered request to the generation backend.
type Fetcher interface {
	DoRaw(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Request is the editor state a suggestion is made for.
type Request struct {
	FileContents string
	// CursorOffset is a byte offset into FileContents. Negative means the end.
	CursorOffset int
	// Accepted is suggestion text already shown after the cursor; it extends
	// the prefix so the next suggestion continues it.
	Accepted string
}

// Service produces inline suggestions.
type Service struct {
	fetcher Fetcher
	cfg     Config
}

// NewService creates a Service. Zero fields of cfg take their defaults.
func NewService(fetcher Fetcher, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = def.CharLimit
	}
	if cfg.Tokens == (Tokens{}) {
		cfg.Tokens = def.Tokens
	}
	if cfg.MaxNewTokens <= 0 {
		cfg.MaxNewTokens = def.MaxNewTokens
	}
	if cfg.TopP <= 0 {
		cfg.TopP = def.TopP
	}
	return &Service{fetcher: fetcher, cfg: cfg}
}

type parameters struct {
	MaxNewTokens int      `json:"max_new_tokens"`
	Temperature  *float64 `json:"temperature"`
	DoSample     bool     `json:"do_sample"`
	TopP         float64  `json:"top_p"`
	Stop         []string `json:"stop"`
}

type generateRequest struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
}

// Complete returns the text to insert at the cursor. An empty string means
// the backend had nothing to suggest.
func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	inputs := BuildInputs(req, s.cfg.CharLimit, s.cfg.Tokens)

	resp, err := s.fetcher.DoRaw(ctx, upstream.MakeJSONRequest(s.cfg.Path, generateRequest{
		Inputs: inputs,
		Parameters: parameters{
			MaxNewTokens: s.cfg.MaxNewTokens,
			Temperature:  s.cfg.Temperature,
			DoSample:     s.cfg.DoSample,
			TopP:         s.cfg.TopP,
			Stop:         []string{s.cfg.Tokens.Stop},
		},
	}))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", core.ParseUpstreamError("completion", resp.StatusCode, resp.Body, nil)
	}
	if !gjson.ValidBytes(resp.Body) {
		return "", core.NewUpstreamError("completion", http.StatusBadGateway, "completion response is not valid JSON", nil)
	}

	raw := generatedText(resp.Body)
	text := Clean(raw, inputs, s.cfg.Tokens)
	slog.Debug("completion generated", "inputs_len", len(inputs), "generated_len", len(raw), "suggestion_len", len(text))
	return text, nil
}

// BuildInputs frames the text around the cursor as a prompt. Up to limit
// bytes are taken from each side. Without code after the cursor the prompt
// is the prefix alone.
func BuildInputs(req Request, limit int, t Tokens) string {
	contents := req.FileContents
	offset := snapBack(contents, req.CursorOffset)

	start := snapForward(contents, max(0, offset-limit))
	end := snapBack(contents, min(len(contents), offset+limit))

	prefix := contents[start:offset] + req.Accepted
	suffix := contents[offset:end]
	if strings.TrimSpace(suffix) == "" {
		return prefix
	}
	return t.Prefix + prefix + t.Suffix + suffix + t.Middle
}

// Clean removes the echoed prompt and the first stop and middle markers
// from generated text.
func Clean(generated, inputs string, t Tokens) string {
	text := strings.TrimPrefix(generated, inputs)
	if t.Stop != "" {
		text = strings.Replace(text, t.Stop, "", 1)
	}
	if t.Middle != "" {
		text = strings.Replace(text, t.Middle, "", 1)
	}
	return text
}

// generatedText reads generated_text from an object or from the first
// element of an array.
func generatedText(body []byte) string {
	if r := gjson.GetBytes(body, "generated_text"); r.Exists() {
		return r.String()
	}
	return gjson.GetBytes(body, "0.generated_text").String()
}

// snapBack clamps offset into s and moves it back to a rune boundary.
// A negative offset means the end of s.
func snapBack(s string, offset int) int {
	if offset < 0 || offset > len(s) {
		offset = len(s)
	}
	for offset > 0 && offset < len(s) && !utf8.RuneStart(s[offset]) {
		offset--
	}
	return offset
}

func snapForward(s string, offset int) int {
	for offset < len(s) && !utf8.RuneStart(s[offset]) {
		offset++
	}
	return offset
}
