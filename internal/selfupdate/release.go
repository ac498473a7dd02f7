// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// Owner and Repo name the GitHub repository releases come from.
	Owner = "avocado-linux"
	Repo  = "avocado-cli"

	defaultBaseURL = "https://api.github.com"
	perPage        = 50
	maxPages       = 4
	maxJSONBytes   = 8 << 20
)

// ErrReleaseNotFound is returned when a tag has no published release.
var ErrReleaseNotFound = errors.New("release not found")

type (
	// Release is a published GitHub release.
	Release struct {
		Tag        string  `json:"tag_name"`
		Prerelease bool    `json:"prerelease"`
		Draft      bool    `json:"draft"`
		URL        string  `json:"html_url"`
		Assets     []Asset `json:"assets"`
	}

	// Asset is one downloadable file of a release.
	Asset struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
		Size int64  `json:"size"`
	}

	// RateLimitError reports an exhausted GitHub API quota.
	RateLimitError struct {
		ResetAt time.Time
	}

	// Client reads releases from the GitHub REST API.
	Client struct {
		http      *http.Client
		baseURL   string
		token     string
		userAgent string
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)
)

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded, resets at %s; set GITHUB_TOKEN to raise the limit",
		e.ResetAt.UTC().Format("15:04 UTC"))
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) ClientOption {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

// WithToken authenticates API requests.
func WithToken(token string) ClientOption { return func(cl *Client) { cl.token = token } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption { return func(cl *Client) { cl.userAgent = ua } }

// NewClient returns a client for the avocado-cli repository.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:      http.DefaultClient,
		baseURL:   defaultBaseURL,
		userAgent: "avocado-cli",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Latest returns the highest stable release by semver.
func (c *Client) Latest(ctx context.Context) (*Release, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d", c.baseURL, Owner, Repo, perPage)
	var stable []Release
	for page := 0; page < maxPages && next != ""; page++ {
		var batch []Release
		link, err := c.getJSON(ctx, next, &batch)
		if err != nil {
			return nil, fmt.Errorf("listing releases: %w", err)
		}
		for _, r := range batch {
			if !r.Draft && !r.Prerelease && semver.IsValid(canonical(r.Tag)) {
				stable = append(stable, r)
			}
		}
		next = nextPage(link)
	}
	if len(stable) == 0 {
		return nil, fmt.Errorf("%w: no stable releases published", ErrReleaseNotFound)
	}
	latest := slices.MaxFunc(stable, func(a, b Release) int {
		return semver.Compare(canonical(a.Tag), canonical(b.Tag))
	})
	return &latest, nil
}

// ByTag returns the release for tag.
func (c *Client) ByTag(ctx context.Context, tag string) (*Release, error) {
	var r Release
	u := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.baseURL, Owner, Repo, url.PathEscape(tag))
	if _, err := c.getJSON(ctx, u, &r); err != nil {
		return nil, fmt.Errorf("release %s: %w", tag, err)
	}
	return &r, nil
}

// Download streams an asset. The caller closes the body.
func (c *Client) Download(ctx context.Context, a Asset) (io.ReadCloser, error) {
	resp, err := c.do(ctx, a.URL, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: unexpected status %d", a.Name, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) (string, error) {
	resp, err := c.do(ctx, u, "application/vnd.github+json")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrReleaseNotFound
	case rateLimited(resp):
		reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
		return "", &RateLimitError{ResetAt: time.Unix(reset, 0)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBytes)).Decode(v); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return resp.Header.Get("Link"), nil
}

func (c *Client) do(ctx context.Context, u, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	// The token never leaves the API host; asset downloads redirect to a CDN.
	if c.token != "" && sameHost(req.URL, c.baseURL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func rateLimited(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func sameHost(u *url.URL, base string) bool {
	b, err := url.Parse(base)
	return err == nil && strings.EqualFold(u.Host, b.Host)
}

// nextPage extracts rel="next" from a Link header.
func nextPage(link string) string {
	for part := range strings.SplitSeq(link, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if ok && strings.Contains(params, `rel="next"`) {
			return strings.Trim(strings.TrimSpace(target), "<>")
		}
	}
	return ""
}

// canonical prefixes a bare version with "v" for x/mod/semver.
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
