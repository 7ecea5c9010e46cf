// Package update checks GitHub releases for newer rtcguard builds and
// applies them in place over the running executable.
package update

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	goupdate "github.com/inconshreveable/go-update"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

const defaultBaseURL = "https://api.github.com"

// Release is the subset of the GitHub release payload we consume.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable artifact attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Status is the outcome of a version check.
type Status struct {
	CurrentVersion string
	LatestVersion  string
	Available      bool
	Release        *Release
}

// ReleaseURL is the human-facing page for the latest release.
func (s *Status) ReleaseURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s/releases/tag/%s", repo, s.Release.TagName)
}

// Client talks to the GitHub releases API for one repository.
type Client struct {
	repo    string
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at an alternate API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a release client for repo ("owner/name").
func New(repo string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		repo:    repo,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("update"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check fetches the latest release and compares it against currentVersion.
// Versions are compared as semver after stripping any "v" prefix; a current
// version that does not parse (for example a dev build) always reports the
// release as newer.
func (c *Client) Check(ctx context.Context, currentVersion string) (*Status, error) {
	release, err := c.latestRelease(ctx)
	if err != nil {
		return nil, err
	}
	if release.TagName == "" {
		return nil, fmt.Errorf("release for %s has no tag name", c.repo)
	}

	current := strings.TrimPrefix(currentVersion, "v")
	latest := strings.TrimPrefix(release.TagName, "v")

	st := &Status{
		CurrentVersion: current,
		LatestVersion:  latest,
		Available:      semver.Compare("v"+current, "v"+latest) < 0,
		Release:        release,
	}
	c.logger.Debug("Checked for updates",
		zap.String("current", current),
		zap.String("latest", latest),
		zap.Bool("available", st.Available))
	return st, nil
}

// latestRelease fetches release metadata from the GitHub API.
func (c *Client) latestRelease(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.baseURL, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release lookup for %s returned %s", c.repo, resp.Status)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &release, nil
}

// AssetURL picks the download URL matching the running platform.
func (c *Client) AssetURL(release *Release) (string, error) {
	return findAssetURL(release, runtime.GOOS, runtime.GOARCH)
}

// findAssetURL matches assets by the goos-goarch naming convention the
// release pipeline uses. "latest-" assets win over versioned ones so the
// website integration artifacts are preferred when both exist.
func findAssetURL(release *Release, goos, goarch string) (string, error) {
	extension := ".tar.gz"
	if goos == "windows" {
		extension = ".zip"
	}

	latestSuffix := fmt.Sprintf("latest-%s-%s%s", goos, goarch, extension)
	for _, asset := range release.Assets {
		if strings.HasSuffix(asset.Name, latestSuffix) {
			return asset.BrowserDownloadURL, nil
		}
	}

	versionedSuffix := fmt.Sprintf("-%s-%s%s", goos, goarch, extension)
	for _, asset := range release.Assets {
		if strings.HasSuffix(asset.Name, versionedSuffix) {
			return asset.BrowserDownloadURL, nil
		}
	}

	return "", fmt.Errorf("no suitable asset found for %s-%s (tried %s and %s)",
		goos, goarch, latestSuffix, versionedSuffix)
}

// Apply downloads the asset at url and swaps it over the running
// executable. Package-manager installations refuse self-update so the
// manager's own state stays consistent.
func (c *Client) Apply(ctx context.Context, url string) error {
	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	if isHomebrewPath(execPath) {
		return fmt.Errorf("self-update disabled for Homebrew installations - use 'brew upgrade rtcguard' instead")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset download returned %s", resp.Status)
	}

	c.logger.Info("Applying update", zap.String("url", url), zap.String("target", execPath))

	switch {
	case strings.HasSuffix(url, ".zip"):
		return applyFromZip(resp.Body, execPath)
	case strings.HasSuffix(url, ".tar.gz"):
		return applyFromTarGz(resp.Body, execPath)
	default:
		return goupdate.Apply(resp.Body, goupdate.Options{TargetPath: execPath})
	}
}

// applyFromZip stages the archive in a temp file (zip needs random access)
// and applies its first regular file.
func applyFromZip(body io.Reader, targetPath string) error {
	tmpfile, err := os.CreateTemp("", "rtcguard-update-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	if _, err := io.Copy(tmpfile, body); err != nil {
		return err
	}

	rc, err := binaryInZip(tmpfile.Name())
	if err != nil {
		return err
	}
	defer rc.Close()

	return goupdate.Apply(rc, goupdate.Options{TargetPath: targetPath})
}

// binaryInZip opens the first regular file in the archive.
func binaryInZip(path string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close()
			return nil, err
		}
		return &zipEntryReader{rc: rc, archive: r}, nil
	}

	r.Close()
	return nil, fmt.Errorf("no file found in zip archive to apply")
}

// zipEntryReader keeps the archive open for the lifetime of the entry.
type zipEntryReader struct {
	rc      io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntryReader) Read(p []byte) (int, error) { return z.rc.Read(p) }

func (z *zipEntryReader) Close() error {
	z.rc.Close()
	return z.archive.Close()
}

// applyFromTarGz streams the archive looking for the rtcguard binary.
func applyFromTarGz(body io.Reader, targetPath string) error {
	r, err := binaryInTarGz(body)
	if err != nil {
		return err
	}
	return goupdate.Apply(r, goupdate.Options{TargetPath: targetPath})
}

// binaryInTarGz returns a reader positioned at the rtcguard entry.
func binaryInTarGz(body io.Reader) (io.Reader, error) {
	gzr, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if strings.HasSuffix(header.Name, "rtcguard") || strings.HasSuffix(header.Name, "rtcguard.exe") {
			return tr, nil
		}
	}

	return nil, fmt.Errorf("no rtcguard binary found in tar.gz archive")
}

// isHomebrewPath reports whether the executable lives under a Homebrew
// prefix.
func isHomebrewPath(execPath string) bool {
	return strings.Contains(execPath, "/opt/homebrew/") ||
		strings.Contains(execPath, "/usr/local/Homebrew/") ||
		strings.Contains(execPath, "/home/linuxbrew/")
}
