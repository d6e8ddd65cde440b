package pool

import (
	"context"
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

func TestFetchNextTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/signer/next", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Task{
			TaskID:    "T1",
			ArchiveID: "A1",
			UDID:      "00008120-001A10513622201E",
			BundleID:  "com.example.app",
			ResignOptions: &ResignOptions{
				NewBundleID: "com.example.renamed",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	task, err := client.FetchNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "T1", task.TaskID)
	assert.Equal(t, "A1", task.ArchiveID)
	assert.Equal(t, "com.example.app", task.BundleID)
	require.NotNil(t, task.ResignOptions)
	assert.Equal(t, "com.example.renamed", task.ResignOptions.NewBundleID)
}

func TestFetchNextTaskEmptyQueue(t *testing.T) {
	for _, body := range []string{"", "null", "  null\n"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(body))
		}))

		client := NewClient(srv.URL, "tok")
		task, err := client.FetchNextTask(context.Background())
		require.NoError(t, err)
		assert.Nil(t, task)
		srv.Close()
	}
}

func TestFetchNextTaskServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.FetchNextTask(context.Background())
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusBadGateway, serverErr.Code)
	assert.Contains(t, serverErr.Body, "backend unavailable")
}

func TestReportStatus(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	require.NoError(t, client.ReportStatus(context.Background(), "T1", StatusFailed, "codesign exited 1"))

	assert.Equal(t, "/api/signer/T1/status", gotPath)
	assert.Equal(t, "failed", gotBody["status"])
	assert.Equal(t, "codesign exited 1", gotBody["message"])
}

func TestReportStatusOmitsEmptyMessage(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	require.NoError(t, client.ReportStatus(context.Background(), "T1", StatusRunning, ""))

	assert.Equal(t, "running", gotBody["status"])
	_, present := gotBody["message"]
	assert.False(t, present)
}

func TestUploadResult(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	require.NoError(t, client.UploadResult(context.Background(), "T1", "https://cdn.example.com/ipa/app-resigned.ipa"))

	assert.Equal(t, "/api/signer/T1/result", gotPath)
	assert.Equal(t, "https://cdn.example.com/ipa/app-resigned.ipa", gotBody["downloadURL"])
}

func TestDownloadArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ipa/A1/download", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.ipa")
	client := NewClient(srv.URL, "tok")
	require.NoError(t, client.DownloadArchive(context.Background(), "A1", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestDownloadArchiveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.ipa")
	client := NewClient(srv.URL, "tok")
	err := client.DownloadArchive(context.Background(), "A1", dest)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.Code)
}

func TestUploadArchive(t *testing.T) {
	local := filepath.Join(t.TempDir(), "app-resigned.ipa")
	require.NoError(t, os.WriteFile(local, []byte("signed-bytes"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ipa/upload", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "signed-bytes", string(body))
		json.NewEncoder(w).Encode(map[string]string{
			"downloadURL": "https://cdn.example.com/ipa/app-resigned.ipa",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	url, err := client.UploadArchive(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/ipa/app-resigned.ipa", url)
}

func TestUploadArchiveMissingURL(t *testing.T) {
	local := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.UploadArchive(context.Background(), local)
	assert.Error(t, err)
}
