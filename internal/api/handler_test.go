package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStateReader struct {
	mock.Mock
}

func (m *MockStateReader) GetWorkflowState(ctx context.Context) (*db.WorkflowState, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).(*db.WorkflowState); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })
	return database
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRoutes(t *testing.T) {
	database := setupTestDB(t)
	store := cache.NewSQLite(database)
	ctx := context.Background()

	require.NoError(t, database.UpdateWorkflowState(ctx, db.StateUpdate{Phase: "listing-repos", Progress: 5}))
	require.NoError(t, store.Put(ctx, cache.KeySkillsContent, map[string]interface{}{"skills": []string{}}, time.Hour))

	router := NewRouter(database, store, func() bool { return true }, discardLogger())

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK, `{"status":"ok"}`},
		{"skills", http.MethodGet, "/api/v1/skills", http.StatusOK, `{"skills":[]}`},
		{"profile not generated", http.MethodGet, "/api/v1/profile", http.StatusNotFound, `{"error":"Not generated yet"}`},
		{"trigger", http.MethodPost, "/api/v1/trigger", http.StatusAccepted, `{"status":"queued"}`},
		{"trigger wrong method", http.MethodGet, "/api/v1/trigger", http.StatusMethodNotAllowed, ""},
		{"unknown", http.MethodGet, "/api/v1/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.JSONEq(t, tt.expectedBody, w.Body.String())
			}
		})
	}
}

func TestGetState(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpdateWorkflowState(ctx, db.StateUpdate{
		Phase:          "fetching-commits",
		Progress:       25,
		CurrentRepo:    "eve0415/website",
		TotalRepos:     4,
		ProcessedRepos: 2,
	}))

	router := NewRouter(database, cache.NewSQLite(database), func() bool { return true }, discardLogger())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st db.WorkflowState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "fetching-commits", st.Phase)
	assert.Equal(t, 25, st.Progress)
	assert.Equal(t, "eve0415/website", st.CurrentRepo)
	assert.Equal(t, 2, st.ProcessedRepos)
}

func TestGetState_Error(t *testing.T) {
	state := new(MockStateReader)
	state.On("GetWorkflowState", mock.Anything).Return(nil, errors.New("disk I/O error"))

	database := setupTestDB(t)
	router := NewRouter(state, cache.NewSQLite(database), func() bool { return true }, discardLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk")
	state.AssertExpectations(t)
}

func TestPostTrigger_AlreadyQueued(t *testing.T) {
	database := setupTestDB(t)
	calls := 0
	router := NewRouter(database, cache.NewSQLite(database), func() bool {
		calls++
		return false
	}, discardLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/trigger", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"already-queued"}`, w.Body.String())
	assert.Equal(t, 1, calls)
}
