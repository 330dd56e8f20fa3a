// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package googledrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

func newTestStorage(t *testing.T, handler http.Handler) (*googleDriveStorage, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	app := credentials.AppInfo{ProviderName: providerName, AppName: "test", AppID: "id", AppSecret: "secret",
		Scope: []string{"https://www.googleapis.com/auth/drive"}}
	uc := credentials.NewUserCredentials(app, "john@example.com", map[string]any{
		"access_token": "tok", "token_type": "Bearer",
	})
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, app, nil, uc)
	require.NoError(t, err)
	s := &googleDriveStorage{
		sessionManager:   sm,
		retryStrategy:    retry.NewStrategy(2, time.Millisecond),
		endpoint:         srv.URL + "/drive/v2",
		uploadEndpoint:   srv.URL + "/upload/drive/v2/files",
		userinfoEndpoint: srv.URL + "/oauth2/v1/userinfo",
	}
	return s, srv.Close
}

func mustPath(t *testing.T, s string) cpath.CPath {
	t.Helper()
	p, err := cpath.New(s)
	require.NoError(t, err)
	return p
}

// resolverHandler answers files queries from a fixed item set, paginating
// with an empty first page to mirror the drive pagination quirk.
func resolverHandler(t *testing.T, items []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			// First page is empty; implementations must keep iterating.
			json.NewEncoder(w).Encode(map[string]any{
				"items":         []any{},
				"nextPageToken": "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	}
}

func TestFindRemotePathToleratesEmptyPages(t *testing.T) {
	items := []map[string]any{
		{"id": "id_a", "title": "a", "mimeType": mimeTypeDirectory,
			"parents": []map[string]any{{"id": "rootid", "isRoot": true}}},
		{"id": "id_b", "title": "b", "mimeType": mimeTypeDirectory,
			"parents": []map[string]any{{"id": "id_a", "isRoot": false}}},
		{"id": "id_c", "title": "c.pdf", "mimeType": "application/pdf", "fileSize": "12",
			"parents": []map[string]any{{"id": "id_b", "isRoot": false}}},
		// A decoy with the right title but the wrong parent:
		{"id": "id_x", "title": "b", "mimeType": mimeTypeDirectory,
			"parents": []map[string]any{{"id": "elsewhere", "isRoot": false}}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", resolverHandler(t, items))
	s, done := newTestStorage(t, mux)
	defer done()

	remote, err := s.findRemotePath(context.Background(), mustPath(t, "/a/b/c.pdf"), false)
	require.NoError(t, err)
	assert.True(t, remote.exists())
	assert.True(t, remote.lastIsBlob())
	assert.Equal(t, "id_b", remote.deepestFolderID())
	assert.Equal(t, []string{"a", "b", "c.pdf"}, remote.segments)

	// A deeper path is shadowed by the blob:
	remote, err = s.findRemotePath(context.Background(), mustPath(t, "/a/b/c.pdf/d"), false)
	require.NoError(t, err)
	assert.False(t, remote.exists())
	assert.True(t, remote.lastIsBlob())
	assert.Equal(t, mustPath(t, "/a/b/c.pdf"), remote.lastCPath())
}

func TestGetFileParsesBlob(t *testing.T) {
	items := []map[string]any{
		{"id": "id_c", "title": "c.pdf", "mimeType": "application/pdf", "fileSize": "12",
			"modifiedDate": "2014-03-07T17:47:55.123Z",
			"parents":      []map[string]any{{"id": "rootid", "isRoot": true}}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", resolverHandler(t, items))
	s, done := newTestStorage(t, mux)
	defer done()

	f, err := s.GetFile(context.Background(), mustPath(t, "/c.pdf"))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.IsBlob())
	assert.Equal(t, int64(12), f.Length)
	assert.Equal(t, "application/pdf", f.ContentType)
	assert.Equal(t, 2014, f.ModTime.Year())

	// Root always exists:
	f, err = s.GetFile(context.Background(), cpath.Root())
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.IsFolder())

	// A google doc publishes no size:
	items[0] = map[string]any{"id": "id_d", "title": "c.pdf",
		"mimeType": "application/vnd.google-apps.document",
		"parents":  []map[string]any{{"id": "rootid", "isRoot": true}}}
	f, err = s.GetFile(context.Background(), mustPath(t, "/c.pdf"))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.IsBlob())
	assert.Equal(t, int64(-1), f.Length)
}

func TestDownloadGoogleDocFails(t *testing.T) {
	items := []map[string]any{
		{"id": "id_d", "title": "doc", "mimeType": "application/vnd.google-apps.document",
			"parents": []map[string]any{{"id": "rootid", "isRoot": true}}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", resolverHandler(t, items))
	s, done := newTestStorage(t, mux)
	defer done()

	err := s.Download(context.Background(),
		storage.NewDownloadRequest(mustPath(t, "/doc"), bytesio.NewMemorySink()))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.ExpectedBlob)
}

func TestUploadNewBlobMultipart(t *testing.T) {
	data := []byte("uploaded drive content")
	var gotMeta map[string]any
	var gotMedia []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", resolverHandler(t, []map[string]any{
		{"id": "id_folder", "title": "folder", "mimeType": mimeTypeDirectory,
			"parents": []map[string]any{{"id": "rootid", "isRoot": true}}},
	}))
	mux.HandleFunc("/upload/drive/v2/files", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/related", mediaType)
		mr := multipart.NewReader(r.Body, params["boundary"])

		part, err := mr.NextPart()
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(part).Decode(&gotMeta))
		part, err = mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "text/plain", part.Header.Get("Content-Type"))
		gotMedia, err = io.ReadAll(part)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "id_new"}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	err := s.Upload(context.Background(),
		storage.NewUploadRequest(mustPath(t, "/folder/new.txt"), bytesio.NewMemorySource(data)).
			WithContentType("text/plain"))
	require.NoError(t, err)
	assert.Equal(t, data, gotMedia)
	assert.Equal(t, "new.txt", gotMeta["title"])
	parents := gotMeta["parents"].([]any)
	require.Len(t, parents, 1)
	assert.Equal(t, "id_folder", parents[0].(map[string]any)["id"])
}

func TestUploadOverFolderFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", resolverHandler(t, []map[string]any{
		{"id": "id_folder", "title": "folder", "mimeType": mimeTypeDirectory,
			"parents": []map[string]any{{"id": "rootid", "isRoot": true}}},
	}))
	s, done := newTestStorage(t, mux)
	defer done()

	err := s.Upload(context.Background(),
		storage.NewUploadRequest(mustPath(t, "/folder"), bytesio.NewMemorySource([]byte("x"))))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.ExpectedBlob)
}

func TestRateLimitErrorIsRetriable(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error": {"code": 403, "message": "Rate Limit Exceeded",
				"errors": [{"reason": "rateLimitExceeded"}]}}`)
			return
		}
		fmt.Fprint(w, `{"email": "john@example.com"}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	userID, err := s.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "john@example.com", userID)
	assert.Equal(t, 2, calls)
}

func TestListFolderOfBlobFails(t *testing.T) {
	items := []map[string]any{
		{"id": "id_c", "title": "c.pdf", "mimeType": "application/pdf", "fileSize": "12",
			"parents": []map[string]any{{"id": "rootid", "isRoot": true}}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v2/files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.Contains(q, "in parents") {
			t.Fatalf("children listing not expected for a blob path, q=%s", q)
		}
		resolverHandler(t, items)(w, r)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	_, err := s.ListFolder(context.Background(), mustPath(t, "/c.pdf"))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)
	assert.False(t, ite.ExpectedBlob)

	// Absent path lists as nil:
	content, err := s.ListFolder(context.Background(), mustPath(t, "/absent"))
	require.NoError(t, err)
	assert.Nil(t, content)
}
