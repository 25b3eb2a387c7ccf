package riskrules

import (
	"regexp"
	"strings"
)

var gitURLPattern = regexp.MustCompile(`^(?:https?|git)(?::\/\/|@)([^\/]+)[\/:]([^\/]+)\/(.+?)(?:\.git)?$`)

// GitURL identifies a repository on a git host.
type GitURL struct {
	Host string
	Org  string
	Repo string
}

func (g GitURL) String() string {
	return g.Host + "/" + g.Org + "/" + g.Repo
}

// ParseGitURL splits a remote URL into host, organization and repository.
// It accepts https://host/org/repo(.git), git@host:org/repo.git and
// ssh://git@host:port/org/repo.git. A numeric port is dropped from the host;
// nested groups stay in the repository part whatever the URL form.
func ParseGitURL(remote string) (GitURL, bool) {
	remote = strings.TrimSpace(remote)
	remote = strings.TrimPrefix(remote, "ssh://")
	remote = strings.TrimSuffix(remote, "/")

	m := gitURLPattern.FindStringSubmatch(remote)
	if m == nil {
		return GitURL{}, false
	}

	host := m[1]
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	org, repo := m[2], m[3]
	if h, tail, ok := strings.Cut(host, ":"); ok {
		host = h
		if !isPort(tail) {
			// git@host:group/sub/repo: the host match swallowed the first path segment
			org, repo = tail, org+"/"+repo
		}
	}

	// ssh://git@host:2222/org/repo puts the port where the org belongs
	if isPort(org) {
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) != 2 {
			return GitURL{}, false
		}
		org, repo = parts[0], parts[1]
	}
	if host == "" || org == "" || repo == "" {
		return GitURL{}, false
	}
	return GitURL{Host: host, Org: org, Repo: repo}, true
}

func isPort(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
