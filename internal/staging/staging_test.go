// SPDX-License-Identifier: MPL-2.0

package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
)

type httpDownloader struct {
	client *http.Client
	calls  atomic.Int32
}

func (d *httpDownloader) DownloadAsset(ctx context.Context, url string) (io.ReadCloser, error) {
	d.calls.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func newFileServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func entryFor(srvURL, rel string, data []byte) manifest.FileEntry {
	return manifest.FileEntry{
		Path: rel,
		Hash: contenthash.New(nil).HashContent(rel, data),
		Size: int64(len(data)),
		URL:  srvURL + "/" + rel,
	}
}

func TestStage_DownloadsAndVerifies(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"/main.py":         []byte("print('hi')\r\n"),
		"/lib/core.bin":    {0x00, 0x01, 0x02},
		"/assets/icon.png": {0x89, 'P', 'N', 'G'},
	}
	srv := newFileServer(t, files)

	var entries []manifest.FileEntry
	for _, rel := range []string{"main.py", "lib/core.bin", "assets/icon.png"} {
		entries = append(entries, entryFor(srv.URL, rel, files["/"+rel]))
	}

	var (
		seen   []int
		totals []int
	)
	s := New(&httpDownloader{client: srv.Client()}, Options{
		ParentDir:   t.TempDir(),
		Concurrency: 2,
		Progress: func(done, total int, _ manifest.FileEntry) {
			seen = append(seen, done)
			totals = append(totals, total)
		},
	})

	area, err := s.Stage(context.Background(), entries)
	require.NoError(t, err)
	t.Cleanup(func() { _ = area.Remove() })

	require.Equal(t, []int{1, 2, 3}, seen)
	require.Equal(t, []int{3, 3, 3}, totals)
	require.Equal(t, []string{"main.py", "lib/core.bin", "assets/icon.png"}, area.Files())
	for _, rel := range area.Files() {
		got, readErr := os.ReadFile(area.Path(rel))
		require.NoError(t, readErr)
		require.Equal(t, files["/"+rel], got)
	}
}

func TestStage_CreatesParentAndPublishesFiles(t *testing.T) {
	t.Parallel()

	data := []byte("#!/bin/sh\necho hi\n")
	srv := newFileServer(t, map[string][]byte{"/bin/run.sh": data})
	entry := entryFor(srv.URL, "bin/run.sh", data)
	entry.Path = `bin\run.sh`

	parent := filepath.Join(t.TempDir(), "work", "staging")
	s := New(&httpDownloader{client: srv.Client()}, Options{ParentDir: parent})

	area, err := s.Stage(context.Background(), []manifest.FileEntry{entry})
	require.NoError(t, err)
	t.Cleanup(func() { _ = area.Remove() })

	require.Equal(t, parent, filepath.Dir(area.Dir))
	require.Equal(t, []string{"bin/run.sh"}, area.Files())
	info, err := os.Stat(area.Path("bin/run.sh"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(FileMode), info.Mode().Perm())
	}
}

func TestStage_MismatchRemovesStaging(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"/a.txt": []byte("alpha"),
		"/b.txt": []byte("tampered"),
	}
	srv := newFileServer(t, files)

	good := entryFor(srv.URL, "a.txt", files["/a.txt"])
	bad := entryFor(srv.URL, "b.txt", []byte("original"))

	parent := t.TempDir()
	s := New(&httpDownloader{client: srv.Client()}, Options{ParentDir: parent, Concurrency: 1})

	area, err := s.Stage(context.Background(), []manifest.FileEntry{good, bad})
	require.Error(t, err)
	require.Nil(t, area)
	require.ErrorIs(t, err, contenthash.ErrMismatch)

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "b.txt", fe.Path)

	left, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, left, "staging directory must be removed after a mismatch")
}

func TestStage_DownloadFailure(t *testing.T) {
	t.Parallel()

	srv := newFileServer(t, map[string][]byte{})
	parent := t.TempDir()
	s := New(&httpDownloader{client: srv.Client()}, Options{ParentDir: parent})

	_, err := s.Stage(context.Background(), []manifest.FileEntry{
		entryFor(srv.URL, "missing.txt", []byte("x")),
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, contenthash.ErrMismatch)

	left, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestStage_Canceled(t *testing.T) {
	t.Parallel()

	srv := newFileServer(t, map[string][]byte{"/a.txt": []byte("a")})
	parent := t.TempDir()
	s := New(&httpDownloader{client: srv.Client()}, Options{ParentDir: parent})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stage(ctx, []manifest.FileEntry{entryFor(srv.URL, "a.txt", []byte("a"))})
	require.ErrorIs(t, err, context.Canceled)

	left, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestArea_RemoveNil(t *testing.T) {
	t.Parallel()

	var a *Area
	require.NoError(t, a.Remove())

	dir := t.TempDir()
	sub := filepath.Join(dir, "x")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, Adopt(sub, nil).Remove())
	_, err := os.Stat(sub)
	require.True(t, os.IsNotExist(err))
}
