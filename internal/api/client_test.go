package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func TestClaimJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/jobs/claim", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.Equal(t, "worker-1", r.Header.Get("x-worker-id"))
		require.Equal(t, "BK-VF-Agent/worker-1", r.Header.Get("User-Agent"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker-1", body["worker_id"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":101,"clean_name":"a.mp4","quality":"720p","processing_profile":"crf_14","download_url":"https://cdn.example/in.mp4","r2_raw_key":"url-import-pending"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", "worker-1", testLogger())
	job, err := c.ClaimJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(101), job.ID)
	assert.Equal(t, "a.mp4", job.CleanName)
	assert.Equal(t, "crf_14", job.ProcessingProfile)
	assert.Equal(t, "url-import-pending", job.R2RawKey)
}

func TestClaimJobEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "w", testLogger())
	job, err := c.ClaimJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedirectRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example/", http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "w", testLogger())
	_, err := c.ClaimJob(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRedirect))
	// A redirect is an answered (misconfigured) call, not coordinator silence.
	assert.False(t, IsNoResponse(err))
}

func TestNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>interception page</html>")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "w", testLogger())
	_, err := c.ClaimJob(context.Background())
	require.Error(t, err)
}

func TestIsNoResponse(t *testing.T) {
	assert.False(t, IsNoResponse(nil))
	assert.False(t, IsNoResponse(&StatusError{Code: 404}))
	assert.False(t, IsNoResponse(&StatusError{Code: 422}))
	assert.True(t, IsNoResponse(&StatusError{Code: 500}))
	assert.True(t, IsNoResponse(&StatusError{Code: 503}))
	assert.True(t, IsNoResponse(errors.New("dial tcp: connection refused")))
}

func TestFailJobTruncatesOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'x'
	}
	c := NewClient(srv.URL, "tok", "w", testLogger())
	require.NoError(t, c.FailJob(context.Background(), 7, "FFmpeg failed", "convert", string(long)))

	assert.Equal(t, "convert", got["stage"])
	assert.Equal(t, "FAILED", got["status"])
	assert.Len(t, got["ffmpeg_output"], 4000)
	assert.EqualValues(t, 0, got["retry_count"])
}

func TestPresignedUploadAndPut(t *testing.T) {
	var uploaded []byte
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer storage.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/jobs/presigned-upload", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"upload_url": storage.URL + "/put-here"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := dir + "/out.mp4"
	require.NoError(t, writeFile(path, []byte("mp4-bytes")))

	c := NewClient(srv.URL, "tok", "w", testLogger())
	url, err := c.PresignedUpload(context.Background(), 5, "public", "videos/2026/01/5_a.mp4", "video/mp4")
	require.NoError(t, err)
	require.NoError(t, c.UploadFile(context.Background(), url, path))
	assert.Equal(t, []byte("mp4-bytes"), uploaded)
}

func TestInterruptedJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jobs":[{"id":1},{"id":2}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "w", testLogger())
	jobs, err := c.InterruptedJobs(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(2), jobs[1].ID)
}

func TestSamaritanPingHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/samaritan/ping", r.URL.Path)
		require.Equal(t, "sh-secret", r.Header.Get("X-Samaritan-Secret"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "w", testLogger())
	err := c.SamaritanPing(context.Background(), "sh-secret", Ping{CPU: 12.5, Node: "Primary Core"})
	require.NoError(t, err)
}
