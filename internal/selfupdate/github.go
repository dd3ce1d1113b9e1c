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
	// defaultPerPage is the number of releases fetched per API page.
	defaultPerPage = 30

	// maxPages is the upper bound on pagination to avoid runaway requests.
	maxPages = 3

	// maxJSONResponseBytes is the upper bound on JSON API response size (10 MB).
	maxJSONResponseBytes = 10 << 20

	// DefaultTimeout bounds every API request. Streaming downloads use it
	// as an idle timeout instead: they may run as long as data keeps coming.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrReleaseNotFound is returned when a requested release does not exist.
	ErrReleaseNotFound = errors.New("release not found")

	// ErrDownloadStalled is returned when a download receives no data for a
	// full timeout period.
	ErrDownloadStalled = errors.New("download stalled")
)

type (
	// RateLimitError is returned when the registry API rate limit is exceeded.
	RateLimitError struct {
		Limit     int
		Remaining int
		ResetAt   time.Time
	}

	// Release is one published release of the application.
	Release struct {
		TagName     string  // Version tag, e.g. "v1.0.4"
		Name        string  // Human-readable release name
		Body        string  // Release notes (markdown)
		Prerelease  bool    // True for alpha/beta/RC releases
		Draft       bool    // True for unpublished drafts
		Assets      []Asset // Downloadable artifacts
		HTMLURL     string  // Browser URL for the release page
		ZipballURL  string  // Source snapshot, used when no manifest asset exists
		PublishedAt string  // ISO 8601 timestamp
	}

	// Asset is a single downloadable file attached to a release.
	Asset struct {
		Name               string // Filename, e.g. "update_manifest.json"
		BrowserDownloadURL string // Direct download URL
		Size               int64  // File size in bytes
		ContentType        string // MIME type
	}

	// githubRelease is the JSON wire format for a release API response.
	githubRelease struct {
		TagName     string        `json:"tag_name"`
		Name        string        `json:"name"`
		Body        string        `json:"body"`
		Prerelease  bool          `json:"prerelease"`
		Draft       bool          `json:"draft"`
		HTMLURL     string        `json:"html_url"`
		ZipballURL  string        `json:"zipball_url"`
		PublishedAt string        `json:"published_at"`
		Assets      []githubAsset `json:"assets"`
	}

	// githubAsset is the JSON wire format for a release asset.
	githubAsset struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
		ContentType        string `json:"content_type"`
	}

	// GitHubClient talks to a GitHub-compatible Releases API: it resolves
	// releases and streams their assets.
	GitHubClient struct {
		httpClient *http.Client
		owner      string
		repo       string
		baseURL    string
		token      string
		userAgent  string
		timeout    time.Duration
	}

	// idleBody cancels its request when no data arrives for idle.
	idleBody struct {
		body  io.ReadCloser
		ctx   context.Context
		timer *time.Timer
		idle  time.Duration
		stop  context.CancelCauseFunc
	}

	// ClientOption configures a GitHubClient during construction.
	ClientOption func(*GitHubClient)
)

// Error formats the rate limit details as a human-readable message.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("release registry rate limit exceeded (%d remaining, resets at %s)",
		e.Remaining, e.ResetAt.UTC().Format("15:04 UTC"))
}

// WithHTTPClient sets a custom HTTP client, useful for tests or proxy configurations.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(g *GitHubClient) {
		g.httpClient = c
	}
}

// WithTimeout sets the API request timeout and the download idle timeout.
// Non-positive values are ignored.
func WithTimeout(d time.Duration) ClientOption {
	return func(g *GitHubClient) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBaseURL overrides the API base URL, primarily for test servers and
// self-hosted registries.
func WithBaseURL(base string) ClientOption {
	return func(g *GitHubClient) {
		g.baseURL = strings.TrimRight(base, "/")
	}
}

// WithToken sets the bearer credential for authenticated requests.
func WithToken(token string) ClientOption {
	return func(g *GitHubClient) {
		g.token = token
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(g *GitHubClient) {
		g.userAgent = ua
	}
}

// WithRepo overrides the default repository owner and name.
func WithRepo(owner, repo string) ClientOption {
	return func(g *GitHubClient) {
		g.owner = owner
		g.repo = repo
	}
}

// NewGitHubClient creates a GitHubClient. Defaults: owner="bprojman",
// repo="bpm", baseURL="https://api.github.com", userAgent="bpm-update/dev"
// and a 30s timeout. The default transport also bounds the wait for response
// headers by the timeout; the client itself sets no overall deadline, since
// that would cut off large downloads.
func NewGitHubClient(opts ...ClientOption) *GitHubClient {
	c := &GitHubClient{
		owner:     "bprojman",
		repo:      "bpm",
		baseURL:   "https://api.github.com",
		userAgent: "bpm-update/dev",
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // The default transport is always *http.Transport.
		tr.ResponseHeaderTimeout = c.timeout
		c.httpClient = &http.Client{Transport: tr}
	}
	return c
}

// Repo returns "owner/repo".
func (c *GitHubClient) Repo() string { return c.owner + "/" + c.repo }

// LatestRelease fetches the registry's "latest release".
// Returns ErrReleaseNotFound if the repository has no published release.
func (c *GitHubClient) LatestRelease(ctx context.Context) (*Release, error) {
	return c.getRelease(ctx, fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, c.owner, c.repo), "latest")
}

// GetReleaseByTag fetches a single release by its tag (e.g. "v1.0.4").
// Returns ErrReleaseNotFound if the tag does not correspond to a release.
func (c *GitHubClient) GetReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	tagURL := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s",
		c.baseURL, c.owner, c.repo, url.PathEscape(tag))
	return c.getRelease(ctx, tagURL, tag)
}

func (c *GitHubClient) getRelease(ctx context.Context, reqURL, label string) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("getting release %s: %w", label, err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if err := checkRateLimit(resp); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrReleaseNotFound, label)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getting release %s: unexpected status %d", label, resp.StatusCode)
	}

	var gr githubRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&gr); err != nil {
		return nil, fmt.Errorf("getting release %s: decoding response: %w", label, err)
	}

	r := toRelease(gr)
	return &r, nil
}

// ListReleases fetches stable (non-draft, non-prerelease) releases, sorted by
// version in descending order. Pagination is followed up to maxPages.
func (c *GitHubClient) ListReleases(ctx context.Context) ([]Release, error) {
	pageURL := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d",
		c.baseURL, c.owner, c.repo, defaultPerPage)

	var all []Release

	for page := 0; page < maxPages && pageURL != ""; page++ {
		releases, next, err := c.listPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		for i := range releases {
			if !releases[i].Draft && !releases[i].Prerelease {
				all = append(all, releases[i])
			}
		}
		pageURL = next
	}

	sortReleasesDesc(all)

	return all, nil
}

// listPage fetches one page of the release list and returns the next page
// URL from the Link header.
func (c *GitHubClient) listPage(ctx context.Context, pageURL string) ([]Release, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doRequest(ctx, pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("listing releases: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if err := checkRateLimit(resp); err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("listing releases: unexpected status %d", resp.StatusCode)
	}

	releases, err := parseReleases(io.LimitReader(resp.Body, maxJSONResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("listing releases: %w", err)
	}
	return releases, parseLinkHeader(resp.Header.Get("Link")), nil
}

// DownloadAsset downloads the file at the given URL and returns the response body
// as a streaming reader. The caller is responsible for closing the returned ReadCloser.
// There is no overall deadline: the request fails with ErrDownloadStalled
// only when the headers or the next chunk of the body take longer than the
// client timeout.
func (c *GitHubClient) DownloadAsset(ctx context.Context, assetURL string) (io.ReadCloser, error) {
	ctx, stop := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { stop(ErrDownloadStalled) })

	resp, err := c.doRequest(ctx, assetURL)
	if err != nil {
		timer.Stop()
		if errors.Is(context.Cause(ctx), ErrDownloadStalled) {
			err = fmt.Errorf("%w: no response after %s", ErrDownloadStalled, c.timeout)
		}
		stop(nil)
		return nil, fmt.Errorf("downloading %s: %w", redactURL(assetURL), err)
	}

	if resp.StatusCode != http.StatusOK {
		timer.Stop()
		resp.Body.Close()
		stop(nil)
		return nil, fmt.Errorf("downloading %s: unexpected status %d", redactURL(assetURL), resp.StatusCode)
	}

	timer.Reset(c.timeout)
	return &idleBody{body: resp.Body, ctx: ctx, timer: timer, idle: c.timeout, stop: stop}, nil
}

// Read implements io.Reader. Every chunk received restarts the idle timer.
func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(b.ctx), ErrDownloadStalled) {
		err = fmt.Errorf("%w: no data for %s", ErrDownloadStalled, b.idle)
	}
	return n, err
}

// Close releases the response body and the timer.
func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.stop(nil)
	return err
}

// Fetch downloads a small document (manifest, checksums) fully into memory.
// Bodies larger than limit bytes are rejected. The whole transfer is bounded
// by the client timeout.
func (c *GitHubClient) Fetch(ctx context.Context, docURL string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.DownloadAsset(ctx, docURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }() // read-only HTTP response body

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", redactURL(docURL), err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("reading %s: response exceeds %d bytes", redactURL(docURL), limit)
	}
	return data, nil
}

// doRequest creates and executes a GET request with the common API headers.
func (c *GitHubClient) doRequest(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)

	// The credential only goes to the registry itself, never to a CDN a
	// download redirects to.
	if c.token != "" && isRegistryHost(req.URL, c.baseURL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	return resp, nil
}

// checkRateLimit inspects the X-RateLimit-* response headers and returns a
// RateLimitError when the remaining quota is zero.
func checkRateLimit(resp *http.Response) error {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}

	rem, err := strconv.Atoi(remaining)
	if err != nil {
		return nil //nolint:nilerr // Non-numeric header is non-fatal.
	}
	if rem > 0 {
		return nil
	}

	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))                 //nolint:errcheck // Best-effort header parsing.
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64) //nolint:errcheck // Best-effort header parsing.

	return &RateLimitError{
		Limit:     limit,
		Remaining: 0,
		ResetAt:   time.Unix(resetUnix, 0),
	}
}

// parseReleases decodes a JSON array of releases.
func parseReleases(body io.Reader) ([]Release, error) {
	var raw []githubRelease
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding releases: %w", err)
	}

	releases := make([]Release, 0, len(raw))
	for _, gr := range raw {
		releases = append(releases, toRelease(gr))
	}
	return releases, nil
}

// parseLinkHeader extracts the URL for the "next" page from a Link header.
// Returns an empty string if no next page exists.
//
// Example header: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkHeader(header string) string {
	if header == "" {
		return ""
	}

	for part := range strings.SplitSeq(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}

		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}

	return ""
}

func toRelease(gr githubRelease) Release {
	assets := make([]Asset, 0, len(gr.Assets))
	for _, ga := range gr.Assets {
		assets = append(assets, Asset(ga))
	}

	return Release{
		TagName:     gr.TagName,
		Name:        gr.Name,
		Body:        gr.Body,
		Prerelease:  gr.Prerelease,
		Draft:       gr.Draft,
		Assets:      assets,
		HTMLURL:     gr.HTMLURL,
		ZipballURL:  gr.ZipballURL,
		PublishedAt: gr.PublishedAt,
	}
}

// sortReleasesDesc orders releases newest first. Tags without a "v" prefix
// are compared as if they had one; tags that are not versions sort last.
func sortReleasesDesc(releases []Release) {
	slices.SortStableFunc(releases, func(a, b Release) int {
		return semver.Compare(semverTag(b.TagName), semverTag(a.TagName))
	})
}

func semverTag(tag string) string {
	if strings.HasPrefix(tag, "v") {
		return tag
	}
	return "v" + tag
}

// FindAsset returns the asset called name, or nil.
func (r *Release) FindAsset(name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// isRegistryHost reports whether reqURL targets the configured API host, or
// github.com when the API is api.github.com.
func isRegistryHost(reqURL *url.URL, baseURL string) bool {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(reqURL.Host, base.Host) {
		return true
	}
	if strings.EqualFold(base.Host, "api.github.com") && strings.EqualFold(reqURL.Host, "github.com") {
		return true
	}
	return false
}

// redactURL strips query parameters and fragments from a URL for safe inclusion
// in error messages.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
