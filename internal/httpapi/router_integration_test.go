//go:build integration

package httpapi_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhythmhq/rhythm/internal/httpapi"
	"github.com/rhythmhq/rhythm/pkg/client"
)

func setupServer(t *testing.T) *httptest.Server {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rhythm_test"),
		postgres.WithUsername("rhythm"),
		postgres.WithPassword("rhythm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	sqlDB, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, sqlDB.Ping())

	c := client.New(sqlDB)
	require.NoError(t, c.Migrate())

	srv := httptest.NewServer(httpapi.NewRouter(c))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterAndStartWorkflowOverHTTP(t *testing.T) {
	srv := setupServer(t)

	body, _ := json.Marshal(map[string]string{"name": "greet", "source": "let n = Inputs.name\nreturn n\n"})
	resp, err := http.Post(srv.URL+"/workflows/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	runBody, _ := json.Marshal(map[string]any{"inputs": map[string]any{"name": "ada"}})
	resp, err = http.Post(srv.URL+"/workflows/greet/runs", "application/json", bytes.NewReader(runBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.NotEmpty(t, out["executionId"])

	resp, err = http.Get(srv.URL + "/executions/" + out["executionId"])
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestGetExecutionNotFoundReturns404(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/executions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzAndReadyz(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
