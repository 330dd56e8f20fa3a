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

package hubic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/retry"
)

func newTestStorage(t *testing.T, handler http.Handler) (*hubicStorage, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	app := credentials.AppInfo{ProviderName: providerName, AppName: "test", AppID: "id", AppSecret: "secret",
		Scope: []string{"usage.r", "account.r", "credentials.r"}}
	uc := credentials.NewUserCredentials(app, "john@example.com", map[string]any{
		"access_token": "tok", "token_type": "Bearer",
	})
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, app, nil, uc)
	require.NoError(t, err)
	s := &hubicStorage{
		sessionManager: sm,
		retryStrategy:  retry.NewStrategy(3, time.Millisecond),
		endpoint:       srv.URL + "/1.0",
	}
	return s, srv.Close
}

func TestAccountAndUsage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/account", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"email": "john@example.com"}`)
	})
	mux.HandleFunc("/1.0/account/usage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"used": 42, "quota": 1000}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	userID, err := s.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "john@example.com", userID)

	quota, err := s.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), quota.UsedBytes)
	assert.Equal(t, int64(1000), quota.AllowedBytes)
}

func TestTransientHTMLErrorPageRetries(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/account", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// Spurious redirect to an html page: must be retried.
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>oops</html>")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"email": "john@example.com"}`)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	userID, err := s.UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "john@example.com", userID)
	assert.Equal(t, 2, calls)
}

func TestSwiftClientInvalidationOnAuthError(t *testing.T) {
	var credentialCalls, swiftListCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/account/credentials", func(w http.ResponseWriter, r *http.Request) {
		n := credentialCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// The hubiC API hands out a fresh swift token each time:
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "http://" + r.Host + "/swift/v1/acct",
			"token":    fmt.Sprintf("swift-token-%d", n),
		})
	})
	mux.HandleFunc("/swift/v1/acct", func(w http.ResponseWriter, r *http.Request) {
		// Container listing:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"name": "default"}]`)
	})
	mux.HandleFunc("/swift/v1/acct/default", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/default") && r.URL.Query().Get("prefix") != "" {
			// Folder listing: the first swift token has expired.
			if swiftListCalls.Add(1) == 1 {
				require.Equal(t, "swift-token-1", r.Header.Get("X-Auth-Token"))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.Equal(t, "swift-token-2", r.Header.Get("X-Auth-Token"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"name": "docs/a.txt", "bytes": 3, "content_type": "text/plain",
				"last_modified": "2014-03-26T15:28:07.000000"}]`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	s, done := newTestStorage(t, mux)
	defer done()

	path, err := cpath.New("/docs")
	require.NoError(t, err)
	content, err := s.ListFolder(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, int32(2), credentialCalls.Load(), "a fresh swift client must be created after 401")
	assert.Equal(t, int32(2), swiftListCalls.Load())
}
