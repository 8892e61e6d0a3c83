package ontology

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// SnapshotProvider produces the current ontology of a project.
type SnapshotProvider interface {
	CreateSnapshot(ctx context.Context, projectID string) (*Snapshot, error)
}

// ErrProjectNotFound is returned when the provider has no ontology for a project.
var ErrProjectNotFound = errors.New("project not found")

// HTTPSnapshotProvider fetches snapshots from the project service.
type HTTPSnapshotProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSnapshotProvider creates a provider calling baseURL. A nil client uses a
// client with a five minute timeout.
func NewHTTPSnapshotProvider(baseURL string, client *http.Client) *HTTPSnapshotProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPSnapshotProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type snapshotResponse struct {
	Revision int64  `json:"revision"`
	Format   Format `json:"format"`
	Ontology string `json:"ontology"`
}

// CreateSnapshot implements SnapshotProvider with POST {base}/projects/{id}/snapshot.
// Every call freezes a new snapshot on the project service.
func (p *HTTPSnapshotProvider) CreateSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/snapshot", p.baseURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("snapshot request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot response: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Ontology)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot ontology: %w", err)
	}
	return &Snapshot{Artifact: &Artifact{Format: out.Format, Data: data}, Revision: out.Revision}, nil
}

// RevisionFile is the name of the per-project revision counter used by
// FSSnapshotProvider.
const RevisionFile = "REVISION"

// FSSnapshotProvider reads project ontologies from a filesystem laid out as
// <project>/ontology.<ext> with an optional <project>/REVISION counter.
type FSSnapshotProvider struct {
	fs billy.Filesystem
}

// NewFSSnapshotProvider creates a provider over fs.
func NewFSSnapshotProvider(fs billy.Filesystem) *FSSnapshotProvider {
	return &FSSnapshotProvider{fs: fs}
}

// CreateSnapshot implements SnapshotProvider.
func (p *FSSnapshotProvider) CreateSnapshot(_ context.Context, projectID string) (*Snapshot, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == ".." {
		return nil, fmt.Errorf("invalid project id %q", projectID)
	}
	entries, err := p.fs.ReadDir(projectID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return nil, fmt.Errorf("failed to list project %s: %w", projectID, err)
	}

	var ontologyPath string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ontology.") {
			ontologyPath = path.Join(projectID, e.Name())
			break
		}
	}
	if ontologyPath == "" {
		return nil, fmt.Errorf("%w: no ontology file for %s", ErrProjectNotFound, projectID)
	}

	artifact, err := LoadFile(p.fs, ontologyPath)
	if err != nil {
		return nil, err
	}

	revision, err := p.revision(projectID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Artifact: artifact, Revision: revision}, nil
}

func (p *FSSnapshotProvider) revision(projectID string) (int64, error) {
	raw, err := util.ReadFile(p.fs, path.Join(projectID, RevisionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read revision for %s: %w", projectID, err)
	}
	rev, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid revision for %s: %w", projectID, err)
	}
	return rev, nil
}

// LoadFile reads an ontology file, inferring its format from the extension.
func LoadFile(fs billy.Filesystem, name string) (*Artifact, error) {
	format, err := FormatFromPath(name)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology %s: %w", name, err)
	}
	return &Artifact{Format: format, Data: data}, nil
}
