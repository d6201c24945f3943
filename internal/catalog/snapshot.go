package catalog

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Document is the serialized catalog, as YAML or JSON.
type Document struct {
	Builders map[string]BuilderInfo `yaml:"builders" json:"builders"`
}

// BuilderInfo describes one builder. A builder is downstream iff Upstream is set.
type BuilderInfo struct {
	Upstream string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
}

// Snapshot is an immutable catalog loaded at one point in time.
type Snapshot struct {
	names       []string
	upstream    map[string]string
	fingerprint string
}

var _ Catalog = (*Snapshot)(nil)

// NewSnapshot builds a snapshot from name -> upstream pairs. An empty upstream
// marks an upstream (build) builder.
func NewSnapshot(builders map[string]string) *Snapshot {
	s := &Snapshot{
		names:    make([]string, 0, len(builders)),
		upstream: make(map[string]string, len(builders)),
	}
	for name, up := range builders {
		s.names = append(s.names, name)
		s.upstream[name] = up
	}
	sort.Strings(s.names)
	return s
}

// Parse decodes a catalog document and fingerprints the raw bytes with BLAKE3.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrCatalogUnavailable, err)
	}
	if len(doc.Builders) == 0 {
		return nil, fmt.Errorf("%w: catalog lists no builders", ErrCatalogUnavailable)
	}

	builders := make(map[string]string, len(doc.Builders))
	for name, info := range doc.Builders {
		builders[name] = info.Upstream
	}
	s := NewSnapshot(builders)
	sum := blake3.Sum256(data)
	s.fingerprint = "blake3:" + hex.EncodeToString(sum[:])
	return s, nil
}

// Fingerprint identifies the bytes the snapshot was parsed from. Empty for
// snapshots built in memory.
func (s *Snapshot) Fingerprint() string {
	return s.fingerprint
}

// Len returns the number of builders.
func (s *Snapshot) Len() int {
	return len(s.names)
}

func (s *Snapshot) ListBuilders() []string {
	return append([]string(nil), s.names...)
}

func (s *Snapshot) IsDownstream(name string) (bool, error) {
	up, ok := s.upstream[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownBuilder, name)
	}
	return up != "", nil
}

func (s *Snapshot) UpstreamOf(name string) (string, error) {
	up, ok := s.upstream[name]
	if !ok || up == "" {
		return "", fmt.Errorf("%w: %q has no upstream", ErrUnknownBuilder, name)
	}
	return up, nil
}

func (s *Snapshot) FilterByRepoAndExclusions(repoMarkers, exclusionMarkers, builders []string) []string {
	return FilterNames(repoMarkers, exclusionMarkers, builders)
}
