// Package pool talks to a central job server that queues signing tasks
// for a fleet of signing workers. Workers poll for one task at a time,
// report status transitions, and upload the signed artifact when done.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// TaskStatus is a job state reported back to the server.
type TaskStatus string

const (
	StatusQueued   TaskStatus = "queued"
	StatusRunning  TaskStatus = "running"
	StatusSuccess  TaskStatus = "success"
	StatusFailed   TaskStatus = "failed"
	StatusReturned TaskStatus = "returned"
)

// Task is one signing job handed out by the server.
type Task struct {
	TaskID        string         `json:"taskId"`
	ArchiveID     string         `json:"ipaId"`
	UDID          string         `json:"udid"`
	BundleID      string         `json:"bundleId"`
	MinOS         string         `json:"minOS,omitempty"`
	ResignOptions *ResignOptions `json:"resignOptions,omitempty"`
}

// ResignOptions carries per-task overrides.
type ResignOptions struct {
	ProvisioningProfileID string `json:"provisioningProfileId,omitempty"`
	TeamID                string `json:"teamId,omitempty"`
	NewBundleID           string `json:"newBundleId,omitempty"`
}

// ServerError is a non-2xx response from the job server.
type ServerError struct {
	Code int
	Body string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("job server returned HTTP %d: %s", e.Code, e.Body)
}

// Client is an authenticated job server client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a client for the given server base URL and bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// FetchNextTask asks the server for one queued task. A nil task means the
// queue is empty.
func (c *Client) FetchNextTask(ctx context.Context) (*Task, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/signer/next", nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	return &task, nil
}

// ReportStatus posts a task state transition. The message is optional.
func (c *Client) ReportStatus(ctx context.Context, taskID string, status TaskStatus, message string) error {
	payload := struct {
		Status  TaskStatus `json:"status"`
		Message string     `json:"message,omitempty"`
	}{Status: status, Message: message}
	_, err := c.do(ctx, http.MethodPost, "/api/signer/"+url.PathEscape(taskID)+"/status", payload)
	return err
}

// UploadResult records where the signed artifact can be downloaded.
func (c *Client) UploadResult(ctx context.Context, taskID, downloadURL string) error {
	payload := struct {
		DownloadURL string `json:"downloadURL"`
	}{DownloadURL: downloadURL}
	_, err := c.do(ctx, http.MethodPost, "/api/signer/"+url.PathEscape(taskID)+"/result", payload)
	return err
}

// DownloadArchive streams the task's input archive into destPath.
func (c *Client) DownloadArchive(ctx context.Context, archiveID, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/ipa/"+url.PathEscape(archiveID)+"/download", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServerError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("write archive: %w", err)
	}
	return out.Close()
}

// UploadArchive sends a signed archive to the server and returns the URL
// the server will serve it from.
func (c *Client) UploadArchive(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ipa/upload", f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	if fi, err := f.Stat(); err == nil {
		req.ContentLength = fi.Size()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ServerError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out struct {
		DownloadURL string `json:"downloadURL"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if out.DownloadURL == "" {
		return "", fmt.Errorf("upload response missing download URL")
	}
	return out.DownloadURL, nil
}
