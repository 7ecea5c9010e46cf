package update

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStubAPI(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/rtcguard/rtcguard/releases/latest", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New("rtcguard/rtcguard", zap.NewNop(), WithBaseURL(srv.URL))
}

func TestCheckReportsNewerRelease(t *testing.T) {
	c := newStubAPI(t, http.StatusOK, `{"tag_name":"v1.2.0","assets":[]}`)

	st, err := c.Check(context.Background(), "1.0.0")
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Equal(t, "1.0.0", st.CurrentVersion)
	assert.Equal(t, "1.2.0", st.LatestVersion)
	assert.Equal(t, "https://github.com/rtcguard/rtcguard/releases/tag/v1.2.0", st.ReleaseURL("rtcguard/rtcguard"))
}

func TestCheckReportsUpToDate(t *testing.T) {
	c := newStubAPI(t, http.StatusOK, `{"tag_name":"v1.2.0","assets":[]}`)

	for _, current := range []string{"1.2.0", "v1.2.0", "1.3.0"} {
		st, err := c.Check(context.Background(), current)
		require.NoError(t, err)
		assert.False(t, st.Available, "current=%s", current)
	}
}

func TestCheckTreatsDevBuildAsOutdated(t *testing.T) {
	c := newStubAPI(t, http.StatusOK, `{"tag_name":"v1.2.0","assets":[]}`)

	st, err := c.Check(context.Background(), "dev")
	require.NoError(t, err)
	assert.True(t, st.Available)
}

func TestCheckRejectsAPIFailure(t *testing.T) {
	c := newStubAPI(t, http.StatusForbidden, `{"message":"rate limited"}`)

	_, err := c.Check(context.Background(), "1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCheckRejectsReleaseWithoutTag(t *testing.T) {
	c := newStubAPI(t, http.StatusOK, `{"assets":[]}`)

	_, err := c.Check(context.Background(), "1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tag name")
}

func TestFindAssetURLPrefersLatestSuffix(t *testing.T) {
	release := &Release{
		TagName: "v1.2.0",
		Assets: []Asset{
			{Name: "rtcguard-v1.2.0-linux-amd64.tar.gz", BrowserDownloadURL: "https://dl/versioned"},
			{Name: "rtcguard-latest-linux-amd64.tar.gz", BrowserDownloadURL: "https://dl/latest"},
		},
	}

	url, err := findAssetURL(release, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "https://dl/latest", url)
}

func TestFindAssetURLFallsBackToVersioned(t *testing.T) {
	release := &Release{
		TagName: "v1.2.0",
		Assets: []Asset{
			{Name: "rtcguard-v1.2.0-darwin-arm64.tar.gz", BrowserDownloadURL: "https://dl/mac"},
			{Name: "rtcguard-v1.2.0-windows-amd64.zip", BrowserDownloadURL: "https://dl/win"},
		},
	}

	url, err := findAssetURL(release, "darwin", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "https://dl/mac", url)

	url, err = findAssetURL(release, "windows", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "https://dl/win", url, "windows assets use zip")
}

func TestFindAssetURLNoMatch(t *testing.T) {
	release := &Release{TagName: "v1.2.0"}

	_, err := findAssetURL(release, "linux", "riscv64")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linux-riscv64")
}

func TestBinaryInTarGzFindsEntry(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "dist/", Typeflag: tar.TypeDir, Mode: 0o755}))
	writeTarFile(t, tw, "dist/README.md", "docs")
	writeTarFile(t, tw, "dist/rtcguard", "binary-bytes")
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	r, err := binaryInTarGz(&buf)
	require.NoError(t, err)

	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(content))
}

func TestBinaryInTarGzMissingBinary(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	writeTarFile(t, tw, "README.md", "docs")
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	_, err := binaryInTarGz(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rtcguard binary")
}

func writeTarFile(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o755,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
}

func TestBinaryInZipReturnsFirstFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("rtcguard.exe")
	require.NoError(t, err)
	_, err = w.Write([]byte("exe-bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	rc, err := binaryInZip(path)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "exe-bytes", string(content))
}

func TestBinaryInZipEmptyArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = binaryInZip(path)
	require.Error(t, err)
}

func TestIsHomebrewPath(t *testing.T) {
	assert.True(t, isHomebrewPath("/opt/homebrew/bin/rtcguard"))
	assert.True(t, isHomebrewPath("/usr/local/Homebrew/bin/rtcguard"))
	assert.True(t, isHomebrewPath("/home/linuxbrew/.linuxbrew/bin/rtcguard"))
	assert.False(t, isHomebrewPath("/usr/local/bin/rtcguard"))
	assert.False(t, isHomebrewPath("/home/user/go/bin/rtcguard"))
}
