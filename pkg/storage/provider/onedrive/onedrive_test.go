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

package onedrive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
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

func newTestStorage(t *testing.T, handler http.Handler) (*oneDriveStorage, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	app := credentials.AppInfo{ProviderName: providerName, AppName: "test", AppID: "id",
		Scope: []string{"wl.signin", "onedrive.readwrite"}}
	uc := credentials.NewUserCredentials(app, "john@example.com", map[string]any{
		"access_token": "tok", "token_type": "Bearer",
	})
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, app, nil, uc)
	require.NoError(t, err)
	s := &oneDriveStorage{
		sessionManager: sm,
		retryStrategy:  retry.NewStrategy(2, time.Millisecond),
		endpoint:       srv.URL,
		meEndpoint:     srv.URL + "/me",
	}
	return s, srv.Close
}

func mustPath(t *testing.T, s string) cpath.CPath {
	t.Helper()
	p, err := cpath.New(s)
	require.NoError(t, err)
	return p
}

func TestUserIDAndQuota(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emails": {"account": "john@example.com"}}`)
	})
	mux.HandleFunc("/drive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"quota": {"total": 1000, "used": 100}}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	userID, err := s.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "john@example.com", userID)

	quota, err := s.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), quota.UsedBytes)
	assert.Equal(t, int64(1000), quota.AllowedBytes)
}

func TestListFolderAndDisambiguation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root:/docs:/children", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": [
			{"id": "id1", "name": "a.pdf", "size": 12, "file": {},
			 "lastModifiedDateTime": "2015-02-03T10:11:12Z"},
			{"id": "id2", "name": "sub", "folder": {"childCount": 0},
			 "lastModifiedDateTime": "2015-02-03T10:11:12Z"}
		]}`)
	})
	mux.HandleFunc("/drive/root:/blob.bin:/children", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": []}`)
	})
	mux.HandleFunc("/drive/root:/blob.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "id3", "name": "blob.bin", "size": 5, "file": {}}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": "itemNotFound", "message": "not found"}}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()
	ctx := context.Background()

	content, err := s.ListFolder(ctx, mustPath(t, "/docs"))
	require.NoError(t, err)
	require.Len(t, content, 2)
	blob := content[mustPath(t, "/docs/a.pdf")]
	require.NotNil(t, blob)
	assert.True(t, blob.IsBlob())
	assert.Equal(t, int64(12), blob.Length)
	assert.Equal(t, "id1", blob.FileID)
	assert.Equal(t, time.Date(2015, 2, 3, 10, 11, 12, 0, time.UTC), blob.ModTime)
	folder := content[mustPath(t, "/docs/sub")]
	require.NotNil(t, folder)
	assert.True(t, folder.IsFolder())

	// An empty listing of a blob path raises InvalidType:
	_, err = s.ListFolder(ctx, mustPath(t, "/blob.bin"))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)
	assert.False(t, ite.ExpectedBlob)

	// A missing folder lists as nil:
	content, err = s.ListFolder(ctx, mustPath(t, "/absent"))
	require.NoError(t, err)
	assert.Nil(t, content)
}

func TestCreateFolderConflicts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root:/docs:/children", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": {"code": "nameAlreadyExists", "message": "exists"}}`)
	})
	mux.HandleFunc("/drive/root:/docs/sub", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "id2", "name": "sub", "folder": {}}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	created, err := s.CreateFolder(context.Background(), mustPath(t, "/docs/sub"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestUploadOverFolderConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root::/children", func(w http.ResponseWriter, r *http.Request) {
		// Not requested: CreateFolder returns early for the root parent.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": {"code": "nameAlreadyExists", "message": "exists"}}`)
	})
	mux.HandleFunc("/drive/root:/folder:/content", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": {"code": "nameAlreadyExists", "message": "exists"}}`)
	})
	mux.HandleFunc("/drive/root:/folder", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "id9", "name": "folder", "folder": {}}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	err := s.Upload(context.Background(),
		storage.NewUploadRequest(mustPath(t, "/folder"), bytesio.NewMemorySource([]byte("x"))))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.ExpectedBlob)
}

func TestRateLimitedRequestIsRetried(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/drive", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"code": "tooManyRequests", "message": "slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"quota": {"total": 10, "used": 1}}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	quota, err := s.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), quota.UsedBytes)
	assert.Equal(t, 2, calls)
}
