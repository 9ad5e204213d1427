// Package models publishes model files to devices: it tracks the current
// version of each model, accepts uploads of new versions and tells a
// device which of its models are stale.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/metrics"
)

var ErrInvalidUpload = errors.New("invalid upload")

// CheckResult tells a device which models to download.
type CheckResult struct {
	UpdateRequired bool              `json:"update_required"`
	Versions       map[string]string `json:"versions,omitempty"`
	Models         map[string]string `json:"models,omitempty"`
	Hashes         map[string]string `json:"hashes,omitempty"`
}

type Upload struct {
	ModelName string
	Version   string
	Filename  string
	Body      io.Reader
	// Host is used for the download link when no domain is configured.
	Host string
}

type UploadResult struct {
	ModelName string            `json:"-"`
	Version   string            `json:"-"`
	Versions  map[string]string `json:"versions"`
	Link      string            `json:"link"`
	Hash      string            `json:"hash"`
}

type Service struct {
	store   Store
	dir     string
	domain  string
	metrics *metrics.Metrics
	log     logger.Logger

	// mu serializes metadata read-modify-write cycles.
	mu sync.Mutex
	// reads coalesces concurrent metadata loads for Check.
	reads singleflight.Group
}

func NewService(store Store, dir, domain string, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{
		store:   store,
		dir:     dir,
		domain:  domain,
		metrics: m,
		log:     log.With(logger.F("component", "models")),
	}
}

// Dir is where model files are stored and served from.
func (s *Service) Dir() string {
	return s.dir
}

// Check compares the versions a device reports with the published ones.
// Every published model whose version differs, or that the device lacks,
// is returned with its link and hash.
func (s *Service) Check(ctx context.Context, device map[string]string) (*CheckResult, error) {
	v, err, _ := s.reads.Do("metadata", func() (any, error) {
		return s.store.Get(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	// Shared between concurrent callers: read only.
	md := v.(*Metadata)

	res := &CheckResult{}
	stale := make(map[string]string)
	hashes := make(map[string]string)
	for name, current := range md.Versions {
		if v, ok := device[name]; ok && v == current {
			continue
		}
		stale[name] = md.Links[name]
		if h, ok := md.Hashes[name]; ok {
			hashes[name] = h
		}
	}

	if len(stale) > 0 {
		res.UpdateRequired = true
		res.Versions = md.Versions
		res.Models = stale
		res.Hashes = hashes
	}
	s.metrics.ModelChecks.WithLabelValues(fmt.Sprint(res.UpdateRequired)).Inc()
	return res, nil
}

// Publish stores the uploaded file under its base name and records it as
// the current version of the model.
func (s *Service) Publish(ctx context.Context, up Upload) (*UploadResult, error) {
	res, err := s.publish(ctx, up)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ModelUploads.WithLabelValues(result).Inc()
	return res, err
}

func (s *Service) publish(ctx context.Context, up Upload) (*UploadResult, error) {
	name, err := cleanFilename(up.Filename)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(up.ModelName) == "" || strings.TrimSpace(up.Version) == "" {
		return nil, fmt.Errorf("%w: model name and version are required", ErrInvalidUpload)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating models dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), up.Body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing model file: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	link := s.link(up.Host, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(s.dir, name)
	// Keep the live file reachable under a second name until the metadata
	// that describes its replacement is stored.
	backup := tmpPath + ".prev"
	hadPrev := true
	if err := os.Link(dst, backup); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("preserving model file: %w", err)
		}
		hadPrev = false
	}
	defer os.Remove(backup)

	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("storing model file: %w", err)
	}
	committed = true

	md.Versions[up.ModelName] = up.Version
	md.Links[up.ModelName] = link
	md.Hashes[up.ModelName] = sum
	if err := s.store.Put(ctx, md); err != nil {
		s.rollback(dst, backup, hadPrev)
		return nil, err
	}

	s.log.Info("model published",
		logger.F("model", up.ModelName),
		logger.F("version", up.Version),
		logger.F("file", name),
		logger.F("sha256", sum),
	)
	return &UploadResult{
		ModelName: up.ModelName,
		Version:   up.Version,
		Versions:  md.Clone().Versions,
		Link:      link,
		Hash:      sum,
	}, nil
}

// rollback puts back the file that was live before a failed publish, or
// removes the new one when there was none.
func (s *Service) rollback(dst, backup string, hadPrev bool) {
	var err error
	if hadPrev {
		err = os.Rename(backup, dst)
	} else {
		err = os.Remove(dst)
	}
	if err != nil {
		s.log.Error("restoring model file failed", logger.F("file", dst), logger.Err(err))
	}
}

func (s *Service) link(host, name string) string {
	domain := s.domain
	if domain == "" {
		domain = host
	}
	return fmt.Sprintf("http://%s/files/%s", domain, url.PathEscape(name))
}

// cleanFilename reduces a client-supplied name to a safe base name.
func cleanFilename(filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(filename, "\\", "/")))
	if name == "/" || name == "." || strings.HasPrefix(name, ".") || name == metadataFileName {
		return "", fmt.Errorf("%w: bad file name %q", ErrInvalidUpload, filename)
	}
	return name, nil
}
