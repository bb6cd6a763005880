package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/app"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
)

type noRunner struct{}

func (noRunner) RunContainer(ctx context.Context, spec interfaces.ContainerSpec) (interfaces.ContainerHandle, error) {
	return nil, context.Canceled
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Catalog.Dir = filepath.Join(dir, "classifiers")

	application, err := app.New(cfg, arbor.NewLogger(), noRunner{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Close() })

	return New(application)
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/version", http.StatusOK},
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/queue", http.StatusOK},
		{http.MethodGet, "/api/classifiers", http.StatusOK},
		{http.MethodGet, "/api/user-jobs", http.StatusOK},
		{http.MethodGet, "/api/user-jobs/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/users/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/nothing-here", http.StatusNotFound},
		{http.MethodOptions, "/api/user-jobs", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestServer_RecoversFromPanics(t *testing.T) {
	s := newTestServer(t)

	handler := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
}
