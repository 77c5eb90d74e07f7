package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer keeps one uploaded body under a fixed code.
func fakeServer(t *testing.T, corrupt bool) *httptest.Server {
	t.Helper()
	var stored []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		stored, _ = io.ReadAll(r.Body)
		sum := sha256.Sum256(stored)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":       "abc123",
			"expires_at": "2026-01-01T00:00:00Z",
			"size":       len(stored),
			"checksum":   hex.EncodeToString(sum[:]),
		})
	})
	mux.HandleFunc("GET /download/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("code") != "abc123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Not Found","code":404,"message":"code not found or expired"}`))
			return
		}
		sum := sha256.Sum256(stored)
		if corrupt {
			sum[0] ^= 0xff
		}
		w.Header().Set("X-Checksum-SHA256", hex.EncodeToString(sum[:]))
		_, _ = w.Write(stored)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUploadThenDownload(t *testing.T) {
	srv := fakeServer(t, false)
	dir := t.TempDir()
	src := filepath.Join(dir, "backup.zip")
	require.NoError(t, os.WriteFile(src, []byte("zip bytes"), 0o644))

	out, err := run(t, "--server", srv.URL, "upload", src)
	require.NoError(t, err)
	assert.Contains(t, out, "abc123")

	dst := filepath.Join(dir, "out", "restored.zip")
	_, err = run(t, "--server", srv.URL, "download", "abc123", "-o", dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(got))
	assert.NoFileExists(t, dst+".part")
}

func TestDownloadChecksumMismatch(t *testing.T) {
	srv := fakeServer(t, true)
	dir := t.TempDir()
	src := filepath.Join(dir, "backup.zip")
	require.NoError(t, os.WriteFile(src, []byte("zip bytes"), 0o644))

	_, err := run(t, "--server", srv.URL, "upload", src)
	require.NoError(t, err)

	dst := filepath.Join(dir, "restored.zip")
	_, err = run(t, "--server", srv.URL, "download", "abc123", "-o", dst)
	require.ErrorContains(t, err, "checksum mismatch")
	assert.NoFileExists(t, dst)
	assert.NoFileExists(t, dst+".part")
}

func TestDownloadNotFound(t *testing.T) {
	srv := fakeServer(t, false)
	dst := filepath.Join(t.TempDir(), "x.zip")

	_, err := run(t, "--server", srv.URL, "download", "zzz999", "-o", dst)
	require.EqualError(t, err, "error (404): code not found or expired")
}

func TestMalformedCodeRejectedLocally(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "download", "NOPE")
	require.ErrorContains(t, err, "invalid code")
}
