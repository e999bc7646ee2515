package components

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrManifestNotFound is returned by a source that has no manifest for the
// workflow. FirstOf moves on to the next source on this error only.
var ErrManifestNotFound = errors.New("workflow manifest not found")

// ManifestSource fetches the raw manifest of a workflow.
type ManifestSource interface {
	Fetch(ctx context.Context, workflow string) (RawManifest, error)
}

// HTTPManifestSource fetches GET {BaseURL}/{workflow} as JSON.
type HTTPManifestSource struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPManifestSource) Fetch(ctx context.Context, workflow string) (RawManifest, error) {
	u := strings.TrimRight(s.BaseURL, "/") + "/" + url.PathEscape(workflow)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return RawManifest{}, errors.Wrap(err, "build manifest request")
	}
	req.Header.Set("Accept", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return RawManifest{}, errors.Wrapf(err, "fetch manifest for %q", workflow)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return RawManifest{}, errors.Wrapf(ErrManifestNotFound, "workflow %q", workflow)
	}
	if resp.StatusCode != http.StatusOK {
		return RawManifest{}, errors.Errorf("fetch manifest for %q: unexpected status %s", workflow, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawManifest{}, errors.Wrap(err, "read manifest")
	}
	var raw RawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawManifest{}, errors.Wrapf(err, "decode manifest for %q", workflow)
	}
	return raw, nil
}

// DirManifestSource reads {Dir}/{workflow}.yaml (or .yml).
type DirManifestSource struct {
	Dir string
}

func (s *DirManifestSource) Fetch(_ context.Context, workflow string) (RawManifest, error) {
	if strings.ContainsAny(workflow, `/\`) || workflow == ".." {
		return RawManifest{}, errors.Errorf("invalid workflow name %q", workflow)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.Dir, workflow+ext)
		blob, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return RawManifest{}, errors.Wrapf(err, "read manifest %q", path)
		}
		var raw RawManifest
		if err := yaml.Unmarshal(blob, &raw); err != nil {
			return RawManifest{}, errors.Wrapf(err, "decode manifest %q", path)
		}
		return raw, nil
	}
	return RawManifest{}, errors.Wrapf(ErrManifestNotFound, "workflow %q in %s", workflow, s.Dir)
}

// StaticManifestSource serves manifests held in memory.
type StaticManifestSource map[string]RawManifest

func (s StaticManifestSource) Fetch(_ context.Context, workflow string) (RawManifest, error) {
	raw, ok := s[workflow]
	if !ok {
		return RawManifest{}, errors.Wrapf(ErrManifestNotFound, "workflow %q", workflow)
	}
	return raw, nil
}

// FirstOf tries sources in order until one has the workflow.
func FirstOf(sources ...ManifestSource) ManifestSource {
	return firstOf(sources)
}

type firstOf []ManifestSource

func (f firstOf) Fetch(ctx context.Context, workflow string) (RawManifest, error) {
	for _, s := range f {
		if s == nil {
			continue
		}
		raw, err := s.Fetch(ctx, workflow)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, ErrManifestNotFound) {
			return RawManifest{}, err
		}
	}
	return RawManifest{}, errors.Wrapf(ErrManifestNotFound, "workflow %q", workflow)
}
