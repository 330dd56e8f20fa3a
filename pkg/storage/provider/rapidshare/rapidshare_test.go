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

package rapidshare

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/retry"
)

// rsServer scripts answers per "sub" parameter. Every request must carry
// the login and password query parameters.
func rsServer(t *testing.T, subs map[string]func(r *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "john", r.URL.Query().Get("login"))
		require.Equal(t, "s3cret", r.URL.Query().Get("password"))
		handler, ok := subs[r.URL.Query().Get("sub")]
		if !ok {
			t.Fatalf("unexpected sub %q", r.URL.Query().Get("sub"))
		}
		fmt.Fprint(w, handler(r))
	})
}

func newTestStorage(t *testing.T, handler http.Handler) (*rapidShareStorage, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	app := credentials.AppInfo{ProviderName: providerName, AppName: "login"}
	uc := credentials.NewUserCredentials(app, "john", map[string]any{"password": "s3cret"})
	sm, err := newSessionManager(uc)
	require.NoError(t, err)
	s := &rapidShareStorage{
		sessionManager: sm,
		retryStrategy:  retry.NewStrategy(2, time.Millisecond),
		endpoint:       srv.URL + "/cgi-bin/rsapi.cgi",
	}
	return s, srv.Close
}

func mustPath(t *testing.T, s string) cpath.CPath {
	t.Helper()
	p, err := cpath.New(s)
	require.NoError(t, err)
	return p
}

const folderLines = "10,0,docs,x\n11,10,sub,x\n12,11,deep,x\n20,0,misc%2Cstuff,x\n"

func TestQuota(t *testing.T) {
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"getaccountdetails": func(*http.Request) string {
			return "curspace=1234\nmaxspacegb=2\nother=x\n"
		},
	}))
	defer done()

	quota, err := s.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), quota.UsedBytes)
	assert.Equal(t, int64(2)*1024*1024*1024, quota.AllowedBytes)

	userID, err := s.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "john", userID)
}

func TestListFolderConnectsIDs(t *testing.T) {
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"listrealfolders": func(*http.Request) string { return folderLines },
		"listfiles": func(r *http.Request) string {
			require.Equal(t, "11", r.URL.Query().Get("realfolder"))
			return "100,report.pdf,123,file,1395847687\n"
		},
	}))
	defer done()

	content, err := s.ListFolder(context.Background(), mustPath(t, "/docs/sub"))
	require.NoError(t, err)
	require.Len(t, content, 2)
	deep := content[mustPath(t, "/docs/sub/deep")]
	require.NotNil(t, deep)
	assert.True(t, deep.IsFolder())
	blob := content[mustPath(t, "/docs/sub/report.pdf")]
	require.NotNil(t, blob)
	assert.True(t, blob.IsBlob())
	assert.Equal(t, int64(123), blob.Length)
	assert.Equal(t, "100", blob.FileID)
	assert.Equal(t, 2014, blob.ModTime.Year())
}

func TestListFolderUnescapesNames(t *testing.T) {
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"listrealfolders": func(*http.Request) string { return folderLines },
		"listfiles":       func(*http.Request) string { return "NONE" },
	}))
	defer done()

	content, err := s.ListRootFolder(context.Background())
	require.NoError(t, err)
	_, ok := content[mustPath(t, "/misc,stuff")]
	assert.True(t, ok, "escaped folder names must be unescaped")
}

func TestListAbsentAndBlob(t *testing.T) {
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"listrealfolders": func(*http.Request) string { return folderLines },
		"listfiles": func(r *http.Request) string {
			if r.URL.Query().Get("filename") == "report.pdf" {
				return "100,report.pdf,123,file,1395847687\n"
			}
			return "NONE"
		},
	}))
	defer done()
	ctx := context.Background()

	// A blob path raises InvalidType:
	_, err := s.ListFolder(ctx, mustPath(t, "/docs/report.pdf"))
	var ite *errtypes.InvalidType
	require.ErrorAs(t, err, &ite)

	// An absent path lists as nil:
	content, err := s.ListFolder(ctx, mustPath(t, "/docs/nothing"))
	require.NoError(t, err)
	assert.Nil(t, content)

	// A path under an absent parent as well:
	content, err = s.ListFolder(ctx, mustPath(t, "/nothing/here"))
	require.NoError(t, err)
	assert.Nil(t, content)
}

func TestDeleteFolderDeepestFirst(t *testing.T) {
	var deleted []string
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"listrealfolders": func(*http.Request) string { return folderLines },
		"delrealfolder": func(r *http.Request) string {
			deleted = append(deleted, r.URL.Query().Get("realfolder"))
			return "OK"
		},
	}))
	defer done()

	ok, err := s.Delete(context.Background(), mustPath(t, "/docs"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"12", "11", "10"}, deleted, "deepest folders must be deleted first")
}

func TestCreateFolderIntermediaries(t *testing.T) {
	var created []string
	nextID := 100
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"listrealfolders": func(*http.Request) string { return folderLines },
		"listfiles":       func(*http.Request) string { return "NONE" },
		"addrealfolder": func(r *http.Request) string {
			created = append(created, r.URL.Query().Get("name")+"@"+r.URL.Query().Get("parent"))
			nextID++
			return fmt.Sprintf("%d", nextID)
		},
	}))
	defer done()

	ok, err := s.CreateFolder(context.Background(), mustPath(t, "/docs/a/b"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a@10", "b@101"}, created)

	// An existing folder is not recreated:
	created = nil
	ok, err = s.CreateFolder(context.Background(), mustPath(t, "/docs/sub"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, created)
}

func TestLoginFailedBecomesAuthenticationError(t *testing.T) {
	s, done := newTestStorage(t, rsServer(t, map[string]func(*http.Request) string{
		"getaccountdetails": func(*http.Request) string {
			return "ERROR: Login failed. Password incorrect or account not found."
		},
	}))
	defer done()

	_, err := s.Quota(context.Background())
	var ae *errtypes.Authentication
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
}
