package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetBackupStatusPostsBody(t *testing.T) {
	var gotBody RawServerBackup
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	id := uuid.New()
	err := c.SetBackupStatus(context.Background(), id, RawServerBackup{Checksum: "abc", Successful: true})
	require.NoError(t, err)
	assert.Equal(t, "/backups/"+id.String(), gotPath)
	assert.Equal(t, "abc", gotBody.Checksum)
}

func TestBackupUploadURLsParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5242880", r.URL.Query().Get("size"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"parts": ["https://bucket/part1", "https://bucket/part2"], "part_size": 1048576}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	partSize, urls, err := c.RequestBackupUpload(context.Background(), uuid.New().String(), 5242880)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), partSize)
	assert.Len(t, urls, 2)
}

func TestSFTPAuthReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "password", body["type"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":"` + uuid.New().String() + `","server":"` + uuid.New().String() + `","permissions":["control.console"],"ignored_files":[".env"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	res, err := c.SFTPAuth(context.Background(), AuthPassword, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, []string{"control.console"}, res.Permissions)
	assert.Equal(t, []string{".env"}, res.IgnoredFiles)
}

func TestDoSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"no access"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	c.http.RetryMax = 0
	err := c.ResetServerState(context.Background())
	require.Error(t, err)
}

func TestDoCapturesRawBodyOnParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	_, _, err := c.BackupUploadURLs(context.Background(), uuid.New(), 100)
	require.Error(t, err)
	var re *rawError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "not json", string(re.body))
}
