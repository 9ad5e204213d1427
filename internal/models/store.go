package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const metadataFileName = "models_metadata.json"

// Metadata is the published state of every model: its current version,
// download link and sha256 hex digest.
type Metadata struct {
	Versions map[string]string `json:"versions"`
	Links    map[string]string `json:"links"`
	Hashes   map[string]string `json:"hashes"`
}

// Store persists Metadata as a whole. Put replaces the previous value
// atomically; readers never observe a partial write.
type Store interface {
	Get(ctx context.Context) (*Metadata, error)
	Put(ctx context.Context, md *Metadata) error
}

// NewMetadata returns an empty Metadata with initialized maps.
func NewMetadata() *Metadata {
	return &Metadata{
		Versions: make(map[string]string),
		Links:    make(map[string]string),
		Hashes:   make(map[string]string),
	}
}

// initMaps ensures all map fields are non-nil after deserialization.
func (md *Metadata) initMaps() {
	if md.Versions == nil {
		md.Versions = make(map[string]string)
	}
	if md.Links == nil {
		md.Links = make(map[string]string)
	}
	if md.Hashes == nil {
		md.Hashes = make(map[string]string)
	}
}

// Clone returns a deep copy.
func (md *Metadata) Clone() *Metadata {
	cp := NewMetadata()
	for k, v := range md.Versions {
		cp.Versions[k] = v
	}
	for k, v := range md.Links {
		cp.Links[k] = v
	}
	for k, v := range md.Hashes {
		cp.Hashes[k] = v
	}
	return cp
}

func decodeMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	md.initMaps()
	return &md, nil
}

// FileStore keeps Metadata in a JSON file inside dir.
type FileStore struct {
	dir string // directory containing models_metadata.json
}

// NewFileStore creates a FileStore in dir. The directory is created (with
// parents) on the first Put if it does not exist.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the full path to the metadata file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, metadataFileName)
}

// Get reads metadata from disk. A missing file yields empty Metadata.
func (s *FileStore) Get(_ context.Context) (*Metadata, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return NewMetadata(), nil
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return decodeMetadata(data)
}

// Put writes metadata using an atomic temp-file-then-rename pattern.
func (s *FileStore) Put(_ context.Context, md *Metadata) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}

	data, err := json.MarshalIndent(md, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming metadata file: %w", err)
	}
	committed = true

	return nil
}
