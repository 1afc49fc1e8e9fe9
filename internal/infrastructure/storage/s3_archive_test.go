package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/collector/internal/infrastructure/config"
)

func TestNewS3PayloadArchive_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3PayloadArchive(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := NewS3PayloadArchive(ctx, &config.StorageConfig{AccessKeyID: "k", SecretAccessKey: "s"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("missing access key returns error", func(t *testing.T) {
		_, err := NewS3PayloadArchive(ctx, &config.StorageConfig{Bucket: "b", SecretAccessKey: "s"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access key is required")
	})

	t.Run("missing secret key returns error", func(t *testing.T) {
		_, err := NewS3PayloadArchive(ctx, &config.StorageConfig{Bucket: "b", AccessKeyID: "k"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret key is required")
	})

	t.Run("valid config", func(t *testing.T) {
		archive, err := NewS3PayloadArchive(ctx, &config.StorageConfig{
			Bucket:          "payloads",
			AccessKeyID:     "k",
			SecretAccessKey: "s",
			Endpoint:        "localhost:9000",
			KeyPrefix:       "/raw/",
		})
		require.NoError(t, err)
		assert.Equal(t, "payloads", archive.Bucket())
		assert.Equal(t, "raw/nfe/2024/03/1.json", archive.objectKey("nfe/2024/03/1.json"))
	})
}

type recordedPut struct {
	method      string
	path        string
	contentType string
	body        string
}

func TestS3PayloadArchive_Archive(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []recordedPut
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, recordedPut{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archive, err := NewS3PayloadArchive(context.Background(), &config.StorageConfig{
		Bucket:          "payloads",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		Endpoint:        server.URL,
		UsePathStyle:    true,
		KeyPrefix:       "raw",
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	payload := `{"data":{"id":42}}`
	require.NoError(t, archive.Archive(context.Background(), "nfe/2024/03/42.json", []byte(payload)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	assert.Equal(t, http.MethodPut, puts[0].method)
	assert.Equal(t, "/payloads/raw/nfe/2024/03/42.json", puts[0].path)
	assert.Equal(t, "application/json", puts[0].contentType)
	assert.Contains(t, puts[0].body, payload)
}

func TestS3PayloadArchive_ArchiveRejectsEmptyKey(t *testing.T) {
	archive, err := NewS3PayloadArchive(context.Background(), &config.StorageConfig{
		Bucket: "payloads", AccessKeyID: "k", SecretAccessKey: "s",
	})
	require.NoError(t, err)
	assert.Error(t, archive.Archive(context.Background(), "", []byte("{}")))
}
