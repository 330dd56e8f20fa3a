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

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/credentials"
)

type memoryRepo struct {
	mu    sync.Mutex
	saved int
}

func (r *memoryRepo) Get(appInfo credentials.AppInfo, userID string) (*credentials.UserCredentials, error) {
	return nil, nil
}

func (r *memoryRepo) Save(uc *credentials.UserCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
	return nil
}

func oauthApp() credentials.AppInfo {
	return credentials.AppInfo{
		ProviderName: "testprov",
		AppName:      "app",
		AppID:        "client-id",
		AppSecret:    "client-secret",
		Scope:        []string{"all"},
		RedirectURL:  "http://localhost/callback",
	}
}

func TestBasicSessionManager(t *testing.T) {
	var gotUser, gotPassword string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPassword, _ = r.BasicAuth()
	}))
	defer srv.Close()

	uc := credentials.NewUserCredentials(credentials.AppInfo{ProviderName: "p", AppName: "login"},
		"john", map[string]any{"password": "s3cret"})
	m, err := NewBasicSessionManager(uc, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "john", gotUser)
	assert.Equal(t, "s3cret", gotPassword)
}

func TestBasicSessionManagerChecksCredentials(t *testing.T) {
	uc := credentials.NewUserCredentials(credentials.AppInfo{}, "", map[string]any{"password": "x"})
	_, err := NewBasicSessionManager(uc, nil)
	assert.Error(t, err, "missing user id")

	uc = credentials.NewUserCredentials(credentials.AppInfo{}, "john", map[string]any{})
	_, err = NewBasicSessionManager(uc, nil)
	assert.Error(t, err, "missing password")
}

func TestOAuth2PreemptiveRefresh(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-0", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	var gotAuth string
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	params := OAuth2Params{
		AuthorizeURL: srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		RefreshURL:   srv.URL + "/token",
	}
	repo := &memoryRepo{}
	uc := credentials.NewUserCredentials(oauthApp(), "john@example.com", map[string]any{
		"access_token":  "stale",
		"refresh_token": "rt-0",
		"token_type":    "Bearer",
		"expires_at":    float64(time.Now().Add(-time.Hour).Unix()),
	})
	m, err := NewOAuth2SessionManager(params, oauthApp(), repo, uc)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api", nil)
	require.NoError(t, err)
	resp, err := m.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer fresh", gotAuth)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 1, repo.saved)

	bag := uc.Snapshot()
	assert.Equal(t, "fresh", bag["access_token"])
	// The provider kept the old refresh token.
	assert.Equal(t, "rt-0", bag["refresh_token"])
	expiresAt, ok := bag["expires_at"].(float64)
	require.True(t, ok)
	assert.Greater(t, expiresAt, float64(time.Now().Unix()))
}

func TestOAuth2RefreshCoordination(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	params := OAuth2Params{TokenURL: srv.URL, RefreshURL: srv.URL}
	uc := credentials.NewUserCredentials(oauthApp(), "john@example.com", map[string]any{
		"access_token":  "stale",
		"refresh_token": "rt-0",
	})
	m, err := NewOAuth2SessionManager(params, oauthApp(), &memoryRepo{}, uc)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.RefreshToken(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), refreshes.Load(), "only one goroutine must hit the token endpoint")
}

func TestOAuth2RefreshUnsupported(t *testing.T) {
	uc := credentials.NewUserCredentials(oauthApp(), "john@example.com", map[string]any{
		"access_token": "tok",
	})
	m, err := NewOAuth2SessionManager(OAuth2Params{TokenURL: "http://localhost/token"}, oauthApp(), nil, uc)
	require.NoError(t, err)
	err = m.RefreshToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support token refresh")
}

func TestOAuth2ManagerRequiresAccessToken(t *testing.T) {
	uc := credentials.NewUserCredentials(oauthApp(), "john@example.com", map[string]any{})
	_, err := NewOAuth2SessionManager(OAuth2Params{}, oauthApp(), nil, uc)
	assert.Error(t, err)
}

func TestAuthorizeURLAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "first",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	params := OAuth2Params{
		AuthorizeURL:         "https://provider.example.com/oauth/authorize",
		TokenURL:             srv.URL,
		RefreshURL:           srv.URL,
		ScopeInAuthorization: true,
		ScopePermsSeparator:  ",",
	}
	m, err := NewOAuth2SessionManager(params, oauthApp(), &memoryRepo{}, nil)
	require.NoError(t, err)

	authorizeURL, state, err := m.AuthorizeURL()
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.Contains(t, authorizeURL, "client_id=client-id")
	assert.Contains(t, authorizeURL, "state="+state)
	assert.Contains(t, authorizeURL, "scope=all")

	// Full callback URL input, with echoed state:
	uc, err := m.FetchUserCredentials(context.Background(),
		"http://localhost/callback?code=the-code&state="+state, state)
	require.NoError(t, err)
	assert.Equal(t, "", uc.UserID)
	assert.Equal(t, "first", uc.Snapshot()["access_token"])
	assert.Equal(t, "rt-1", uc.Snapshot()["refresh_token"])

	// A wrong state is rejected:
	_, err = m.FetchUserCredentials(context.Background(),
		"http://localhost/callback?code=the-code&state=evil", state)
	assert.Error(t, err)
}
