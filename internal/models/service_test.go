package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/metrics"
)

func newTestService(t *testing.T, domain string) (*Service, *metrics.Metrics) {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New(prometheus.NewRegistry())
	return NewService(NewFileStore(dir), dir, domain, m, logger.Nop()), m
}

// flakyStore fails Put on demand and honours cancellation in Get.
type flakyStore struct {
	*FileStore
	putErr error
}

func (s *flakyStore) Get(ctx context.Context) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.FileStore.Get(ctx)
}

func (s *flakyStore) Put(ctx context.Context, md *Metadata) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.FileStore.Put(ctx, md)
}

func newFlakyService(t *testing.T) (*Service, *flakyStore) {
	t.Helper()
	dir := t.TempDir()
	store := &flakyStore{FileStore: NewFileStore(dir)}
	return NewService(store, dir, "h", metrics.New(prometheus.NewRegistry()), logger.Nop()), store
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestService_PublishStoresFileAndMetadata(t *testing.T) {
	svc, m := newTestService(t, "models.example.com")
	ctx := context.Background()

	res, err := svc.Publish(ctx, Upload{
		ModelName: "detector",
		Version:   "2",
		Filename:  "detector_v2.tflite",
		Body:      strings.NewReader("weights"),
		Host:      "ignored:8765",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://models.example.com/files/detector_v2.tflite", res.Link)
	assert.Equal(t, sha("weights"), res.Hash)
	assert.Equal(t, map[string]string{"detector": "2"}, res.Versions)

	data, err := os.ReadFile(filepath.Join(svc.Dir(), "detector_v2.tflite"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	md, err := svc.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", md.Versions["detector"])
	assert.Equal(t, res.Link, md.Links["detector"])
	assert.Equal(t, res.Hash, md.Hashes["detector"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelUploads.WithLabelValues("ok")))
}

func TestService_PublishUsesRequestHostWithoutDomain(t *testing.T) {
	svc, _ := newTestService(t, "")

	res, err := svc.Publish(context.Background(), Upload{
		ModelName: "detector",
		Version:   "1",
		Filename:  "my model.bin",
		Body:      strings.NewReader("x"),
		Host:      "10.0.0.5:8765",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8765/files/my%20model.bin", res.Link)
}

func TestService_PublishStripsDirectories(t *testing.T) {
	svc, _ := newTestService(t, "")

	_, err := svc.Publish(context.Background(), Upload{
		ModelName: "detector",
		Version:   "1",
		Filename:  "../../etc/model.bin",
		Body:      strings.NewReader("x"),
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(svc.Dir(), "model.bin"))
	assert.NoError(t, err)
}

func TestService_PublishRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		up   Upload
	}{
		{"missing model name", Upload{Version: "1", Filename: "a.bin"}},
		{"missing version", Upload{ModelName: "a", Filename: "a.bin"}},
		{"empty filename", Upload{ModelName: "a", Version: "1"}},
		{"dotfile", Upload{ModelName: "a", Version: "1", Filename: ".hidden"}},
		{"metadata file", Upload{ModelName: "a", Version: "1", Filename: metadataFileName}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, m := newTestService(t, "")
			tt.up.Body = strings.NewReader("x")

			_, err := svc.Publish(context.Background(), tt.up)
			assert.ErrorIs(t, err, ErrInvalidUpload)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelUploads.WithLabelValues("error")))

			entries, err := os.ReadDir(svc.Dir())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestService_CheckReportsStaleModels(t *testing.T) {
	svc, m := newTestService(t, "h")
	ctx := context.Background()

	for _, up := range []Upload{
		{ModelName: "detector", Version: "2", Filename: "detector.bin", Body: strings.NewReader("d")},
		{ModelName: "classifier", Version: "5", Filename: "classifier.bin", Body: strings.NewReader("c")},
	} {
		_, err := svc.Publish(ctx, up)
		require.NoError(t, err)
	}

	res, err := svc.Check(ctx, map[string]string{"detector": "2", "classifier": "4"})
	require.NoError(t, err)
	assert.True(t, res.UpdateRequired)
	assert.Equal(t, map[string]string{"classifier": "http://h/files/classifier.bin"}, res.Models)
	assert.Equal(t, map[string]string{"classifier": sha("c")}, res.Hashes)
	assert.Equal(t, map[string]string{"detector": "2", "classifier": "5"}, res.Versions)

	res, err = svc.Check(ctx, map[string]string{})
	require.NoError(t, err)
	assert.Len(t, res.Models, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModelChecks.WithLabelValues("true")))
}

func TestService_CheckUpToDate(t *testing.T) {
	svc, m := newTestService(t, "h")
	ctx := context.Background()

	_, err := svc.Publish(ctx, Upload{ModelName: "detector", Version: "2", Filename: "d.bin", Body: strings.NewReader("d")})
	require.NoError(t, err)

	res, err := svc.Check(ctx, map[string]string{"detector": "2", "unknown": "9"})
	require.NoError(t, err)
	assert.False(t, res.UpdateRequired)
	assert.Nil(t, res.Models)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelChecks.WithLabelValues("false")))
}

func TestService_CheckNothingPublished(t *testing.T) {
	svc, _ := newTestService(t, "")

	res, err := svc.Check(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.UpdateRequired)
}

func TestService_PublishFailedMetadataWriteKeepsPreviousFile(t *testing.T) {
	svc, store := newFlakyService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, Upload{ModelName: "detector", Version: "1", Filename: "detector.bin", Body: strings.NewReader("v1-content")})
	require.NoError(t, err)

	store.putErr = errors.New("disk full")
	_, err = svc.Publish(ctx, Upload{ModelName: "detector", Version: "2", Filename: "detector.bin", Body: strings.NewReader("v2-different")})
	require.ErrorIs(t, err, store.putErr)

	data, err := os.ReadFile(filepath.Join(svc.Dir(), "detector.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v1-content", string(data))

	md, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", md.Versions["detector"])
	assert.Equal(t, sha("v1-content"), md.Hashes["detector"])

	entries, err := os.ReadDir(svc.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"detector.bin", metadataFileName}, names)
}

func TestService_PublishFailedMetadataWriteRemovesNewFile(t *testing.T) {
	svc, store := newFlakyService(t)
	store.putErr = errors.New("disk full")

	_, err := svc.Publish(context.Background(), Upload{ModelName: "detector", Version: "1", Filename: "detector.bin", Body: strings.NewReader("x")})
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(svc.Dir(), "detector.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	entries, err := os.ReadDir(svc.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_CheckLoadIgnoresCallerCancellation(t *testing.T) {
	svc, _ := newFlakyService(t)
	_, err := svc.Publish(context.Background(), Upload{ModelName: "detector", Version: "2", Filename: "d.bin", Body: strings.NewReader("d")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The load is shared with other callers, so one caller going away must
	// not fail it.
	res, err := svc.Check(ctx, map[string]string{"detector": "1"})
	require.NoError(t, err)
	assert.True(t, res.UpdateRequired)
}
