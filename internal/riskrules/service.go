// Package riskrules fetches the per-repository list of high-risk files and
// matches opened files against it.
package riskrules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	"codechat/internal/cache"
	"codechat/internal/core"
	"codechat/internal/upstream"
)

// Fetcher sends a buffered request to the rules backend.
type Fetcher interface {
	DoRaw(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Service resolves the rules of a repository, consulting the cache first.
type Service struct {
	fetcher Fetcher
	path    string
	cache   cache.Cache
	maxAge  time.Duration
	now     func() time.Time
}

// NewService creates a Service. A nil cache disables caching; a
// non-positive maxAge keeps cached rules until they are overwritten.
func NewService(fetcher Fetcher, path string, c cache.Cache, maxAge time.Duration) *Service {
	return &Service{
		fetcher: fetcher,
		path:    path,
		cache:   c,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

type ruleRequest struct {
	GitHost  string `json:"git_host"`
	OrgName  string `json:"org_name"`
	RepoName string `json:"repo_name"`
}

// Rules returns the high-risk rules of the repository behind remoteURL.
// When the backend fails, a stale cached copy is served if one exists.
func (s *Service) Rules(ctx context.Context, remoteURL string) ([]Rule, error) {
	repo, ok := ParseGitURL(remoteURL)
	if !ok {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unrecognized git remote: %q", remoteURL), nil)
	}

	key := cacheKey(repo)
	cached := s.lookup(ctx, key)
	if cached.Fresh(s.now(), s.maxAge) {
		return parseRuleList(cached.Data), nil
	}

	body, err := s.fetch(ctx, repo)
	if err != nil {
		if cached != nil {
			slog.Warn("risk rules fetch failed, serving cached copy",
				"repo", repo.String(), "fetched_at", cached.FetchedAt, "error", err)
			return parseRuleList(cached.Data), nil
		}
		return nil, err
	}

	s.store(ctx, key, body)
	return parseRuleList(body), nil
}

func (s *Service) fetch(ctx context.Context, repo GitURL) ([]byte, error) {
	resp, err := s.fetcher.DoRaw(ctx, upstream.MakeJSONRequest(s.path, ruleRequest{
		GitHost:  repo.Host,
		OrgName:  repo.Org,
		RepoName: repo.Repo,
	}))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseUpstreamError("risk-rules", resp.StatusCode, resp.Body, nil)
	}
	if !json.Valid(resp.Body) {
		return nil, core.NewUpstreamError("risk-rules", http.StatusBadGateway, "rules response is not valid JSON", nil)
	}
	return resp.Body, nil
}

func (s *Service) lookup(ctx context.Context, key string) *cache.Entry {
	if s.cache == nil {
		return nil
	}
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("risk rules cache read failed", "key", key, "error", err)
		return nil
	}
	return entry
}

func (s *Service) store(ctx context.Context, key string, body []byte) {
	if s.cache == nil {
		return
	}
	entry := &cache.Entry{Key: key, FetchedAt: s.now().UTC(), Data: json.RawMessage(body)}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		slog.Warn("risk rules cache write failed", "key", key, "error", err)
	}
}

func cacheKey(repo GitURL) string {
	return fmt.Sprintf("rules-%016x", xxhash.Sum64String(repo.String()))
}
