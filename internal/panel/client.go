// Package panel implements the outbound REST client wingsd uses to talk
// back to the central panel (§6 "Panel REST client (outbound)"). Every
// call is retried transparently via go-retryablehttp; a raw response body
// is always captured so a parse failure can still be diagnosed.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/wingserr"
)

// Client is a thin, typed wrapper around the panel's node-facing API.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// New constructs a Client. baseURL must not have a trailing slash; token
// is sent as a bearer credential on every request.
func New(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &Client{baseURL: baseURL, token: token, http: rc}
}

// rawError wraps a parse failure together with the raw body that caused
// it, per §6 "a raw body is always captured for diagnostic reporting on
// parse failure".
type rawError struct {
	err  error
	body []byte
}

func (e *rawError) Error() string {
	return fmt.Sprintf("panel: %v (raw body: %s)", e.err, truncate(e.body, 2048))
}

func (e *rawError) Unwrap() error { return e.err }

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("panel: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("panel: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", wingserr.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %w", wingserr.ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d: %s", wingserr.ErrUpstream, method, path, resp.StatusCode, truncate(raw, 2048))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &rawError{err: fmt.Errorf("%w: decode response: %w", wingserr.ErrUpstream, err), body: raw}
	}
	return nil
}

// RawServerBackupPart mirrors one multipart upload segment's ETag, per
// §6 `POST /backups/{uuid}` body = RawServerBackup.
type RawServerBackupPart struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"part_number"`
}

// RawServerBackup is the body sent to `POST /backups/{uuid}`.
type RawServerBackup struct {
	Checksum     string                 `json:"checksum"`
	ChecksumType string                 `json:"checksum_type"`
	Size         int64                  `json:"size"`
	Successful   bool                   `json:"successful"`
	Parts        []RawServerBackupPart  `json:"parts"`
}

// SetBackupStatus reports a completed (or failed) backup to the panel.
func (c *Client) SetBackupStatus(ctx context.Context, id uuid.UUID, backup RawServerBackup) error {
	return c.do(ctx, http.MethodPost, "/backups/"+id.String(), backup, nil)
}

// SetBackupRestoreStatus reports the outcome of a restore operation.
func (c *Client) SetBackupRestoreStatus(ctx context.Context, id uuid.UUID, successful bool) error {
	return c.do(ctx, http.MethodPost, "/backups/"+id.String()+"/restore", map[string]bool{"successful": successful}, nil)
}

// BackupUploadURLs requests a part size and one presigned PUT URL per
// part for an object-store backup upload, per §6 `GET
// /backups/{uuid}?size=<u64>`. It satisfies internal/backup.PresignClient.
func (c *Client) BackupUploadURLs(ctx context.Context, id uuid.UUID, size int64) (int64, []string, error) {
	var resp struct {
		Parts    []string `json:"parts"`
		PartSize int64    `json:"part_size"`
	}
	path := fmt.Sprintf("/backups/%s?size=%d", id.String(), size)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, nil, err
	}
	return resp.PartSize, resp.Parts, nil
}

// RequestBackupUpload adapts BackupUploadURLs to internal/backup's
// PresignClient interface (uuid as string, since that package has no
// dependency on the uuid package).
func (c *Client) RequestBackupUpload(ctx context.Context, id string, size int64) (int64, []string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return 0, nil, fmt.Errorf("panel: invalid backup uuid %q: %w", id, err)
	}
	return c.BackupUploadURLs(ctx, parsed, size)
}

// AuthType is the SFTP credential kind presented to /sftp/auth.
type AuthType string

const (
	AuthPassword  AuthType = "password"
	AuthPublicKey AuthType = "public_key"
)

// SFTPAuthResult is what the panel returns for a successful /sftp/auth
// lookup: the authenticated user, the server they may access, their
// effective permission set, and any paths excluded from that server's
// confined root.
type SFTPAuthResult struct {
	User         uuid.UUID `json:"user"`
	Server       uuid.UUID `json:"server"`
	Permissions  []string  `json:"permissions"`
	IgnoredFiles []string  `json:"ignored_files"`
}

// SFTPAuth authenticates a username/password or username/public-key pair
// against the panel, per §6 `POST /sftp/auth`.
func (c *Client) SFTPAuth(ctx context.Context, authType AuthType, username, password string) (SFTPAuthResult, error) {
	body := map[string]string{
		"type":     string(authType),
		"username": username,
		"password": password,
	}
	var resp SFTPAuthResult
	if err := c.do(ctx, http.MethodPost, "/sftp/auth", body, &resp); err != nil {
		return SFTPAuthResult{}, err
	}
	return resp, nil
}

// SendActivity ships a batch of activity entries, per §6 `POST /activity`
// body `{data: [Activity]}`. It satisfies internal/activity.Sender.
func (c *Client) SendActivity(ctx context.Context, entries []activity.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/activity", map[string]any{"data": entries}, nil)
}

// ResetServerState tells the panel every server has returned to a known
// (offline) state, sent once at daemon boot, per §6 `POST
// /servers/reset`.
func (c *Client) ResetServerState(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/servers/reset", nil, nil)
}

// NodeConfiguration is the bootstrap payload fetched once at daemon
// startup, per §6 `GET /api/application/nodes/{n}/configuration`.
type NodeConfiguration struct {
	UUID           uuid.UUID         `json:"uuid"`
	TokenID        string            `json:"token_id"`
	Token          string            `json:"token"`
	Remote         string            `json:"remote"`
	WebListen      string            `json:"listen"`
	SFTPListen     string            `json:"sftp_listen"`
	CompressionLvl string            `json:"compression_level"`
	BackupAdapter  string            `json:"backup_adapter"`
	Settings       map[string]string `json:"settings,omitempty"`
}

// NodeConfiguration fetches the bootstrap configuration for node n. This
// call is only ever made by the `wingsd configure` CLI, ahead of normal
// daemon operation.
func (c *Client) NodeConfiguration(ctx context.Context, nodeID int64) (NodeConfiguration, error) {
	var resp NodeConfiguration
	path := fmt.Sprintf("/api/application/nodes/%d/configuration", nodeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return NodeConfiguration{}, err
	}
	return resp, nil
}
