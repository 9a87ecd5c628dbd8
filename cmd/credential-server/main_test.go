package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHealthcheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	_, err := execute(t, "healthcheck", "--url", ok.URL)
	assert.NoError(t, err)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err = execute(t, "healthcheck", "--url", down.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestSeedAndSweep(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
posts:
  - code: CLERK-1
    name: Clerk
    orgUnit: registry
`), 0o600))

	common := []string{
		"--db-dsn", filepath.Join(dir, "credreg.db"),
		"--artifact-dir", filepath.Join(dir, "artifacts"),
	}

	_, err := execute(t, append([]string{"seed", catalog}, common...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"sweep"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "released 0 expired tokens")
}
