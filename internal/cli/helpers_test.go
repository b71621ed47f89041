package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runrecorder/internal/api"
	"github.com/roach88/runrecorder/internal/concurrency"
	"github.com/roach88/runrecorder/internal/store"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// startAPI serves the admission API over a fresh database and returns its URL.
func startAPI(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	svc := concurrency.NewService(st, concurrency.WithMetrics(concurrency.MustNewMetrics(reg)))
	srv := httptest.NewServer(api.NewServer(api.Config{Debug: true}, svc, api.WithGatherer(reg)).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}
