// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
)

const releasesPath = "/repos/bprojman/bpm/releases"

type (
	// fakeRelease describes a release published on a fakeRegistry.
	fakeRelease struct {
		Version string
		Files   map[string]string
		// NoManifest publishes only the source snapshot.
		NoManifest bool
		Checksums  bool
		// ManifestVersion overrides the version written into the manifest.
		ManifestVersion string
		RequiredVersion string
		// Tamper serves different bytes than the manifest declares.
		Tamper map[string]string
		// BadChecksum publishes a wrong digest for the manifest.
		BadChecksum bool
	}

	// fakeRegistry is a Releases API plus asset host on one test server.
	fakeRegistry struct {
		t   *testing.T
		srv *httptest.Server

		mu       sync.Mutex
		releases map[string]githubRelease
		latest   string
		blobs    map[string][]byte
		hits     map[string]int
	}
)

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()

	r := &fakeRegistry{
		t:        t,
		releases: make(map[string]githubRelease),
		blobs:    make(map[string][]byte),
		hits:     make(map[string]int),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRegistry) client() *GitHubClient {
	return NewGitHubClient(WithBaseURL(r.srv.URL))
}

func (r *fakeRegistry) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[req.URL.Path]++

	switch {
	case req.URL.Path == releasesPath+"/latest":
		rel, ok := r.releases[r.latest]
		if !ok {
			http.NotFound(w, req)
			return
		}
		r.writeJSON(w, rel)
	case strings.HasPrefix(req.URL.Path, releasesPath+"/tags/"):
		rel, ok := r.releases[strings.TrimPrefix(req.URL.Path, releasesPath+"/tags/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		r.writeJSON(w, rel)
	case req.URL.Path == releasesPath:
		list := make([]githubRelease, 0, len(r.releases))
		for _, tag := range slices.Sorted(maps.Keys(r.releases)) {
			list = append(list, r.releases[tag])
		}
		r.writeJSON(w, list)
	default:
		data, ok := r.blobs[req.URL.Path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write(data)
	}
}

func (r *fakeRegistry) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.t.Errorf("encoding response: %v", err)
	}
}

// publish adds rel and makes it the latest release. It returns the manifest
// the registry serves (nil for snapshot-only releases).
func (r *fakeRegistry) publish(rel fakeRelease) *manifest.Manifest {
	r.t.Helper()

	tag := "v" + rel.Version
	base := r.srv.URL
	gr := githubRelease{
		TagName:    tag,
		Name:       "bpm " + rel.Version,
		Body:       "Release notes for " + rel.Version,
		HTMLURL:    base + "/bprojman/bpm/releases/" + tag,
		ZipballURL: base + "/zipball/" + tag,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.blobs["/zipball/"+tag] = sourceArchive(r.t, "bprojman-bpm-0a1b2c3/", rel.Files)

	var m *manifest.Manifest
	if !rel.NoManifest {
		h := contenthash.New(nil)
		m = &manifest.Manifest{
			Version:         rel.Version,
			ReleaseDate:     "2026-05-02",
			RequiredVersion: rel.RequiredVersion,
			Files:           []manifest.FileEntry{},
		}
		if rel.ManifestVersion != "" {
			m.Version = rel.ManifestVersion
		}
		for _, p := range slices.Sorted(maps.Keys(rel.Files)) {
			data := []byte(rel.Files[p])
			blob := "/download/" + tag + "/" + p
			m.Files = append(m.Files, manifest.FileEntry{
				Path: p,
				Hash: h.HashContent(p, data),
				Size: int64(len(data)),
				URL:  base + blob,
			})
			if tampered, ok := rel.Tamper[p]; ok {
				data = []byte(tampered)
			}
			r.blobs[blob] = data
		}

		doc, err := m.Marshal()
		if err != nil {
			r.t.Fatalf("encoding manifest: %v", err)
		}
		r.addAsset(&gr, DefaultManifestAsset, doc)

		if rel.Checksums {
			sum := manifest.Digest(doc)
			if rel.BadChecksum {
				sum = strings.Repeat("0", 64)
			}
			r.addAsset(&gr, ChecksumsAsset, []byte(sum+"  "+DefaultManifestAsset+"\n"))
		}
	}

	r.releases[tag] = gr
	r.latest = tag
	return m
}

func (r *fakeRegistry) addAsset(gr *githubRelease, name string, data []byte) {
	blob := "/download/" + gr.TagName + "/" + name
	r.blobs[blob] = data
	gr.Assets = append(gr.Assets, githubAsset{
		Name:               name,
		BrowserDownloadURL: r.srv.URL + blob,
		Size:               int64(len(data)),
		ContentType:        "application/octet-stream",
	})
}

func (r *fakeRegistry) hitCount(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func sourceArchive(t *testing.T, top string, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create(top); err != nil {
		t.Fatalf("writing archive: %v", err)
	}
	for _, p := range slices.Sorted(maps.Keys(files)) {
		w, err := zw.Create(top + p)
		if err != nil {
			t.Fatalf("writing archive: %v", err)
		}
		if _, err := w.Write([]byte(files[p])); err != nil {
			t.Fatalf("writing archive: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}
	return buf.Bytes()
}
