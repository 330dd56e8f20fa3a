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

// Package hubic implements the hubiC storage adapter: a small OAuth2 JSON
// API handing out Openstack Swift credentials, with all file operations
// layered on the swift sub-client.
package hubic

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/request"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
	"github.com/netheos/pcsapi/pkg/swift"
)

const providerName = "hubic"

var oauth2Params = auth.OAuth2Params{
	AuthorizeURL:         "https://api.hubic.com/oauth/auth/",
	TokenURL:             "https://api.hubic.com/oauth/token/",
	RefreshURL:           "https://api.hubic.com/oauth/token/",
	ScopeInAuthorization: true,
	ScopePermsSeparator:  ",",
}

func init() {
	storage.Register(providerName, New)
}

type hubicStorage struct {
	sessionManager *auth.OAuth2SessionManager
	retryStrategy  retry.Invoker

	endpoint string

	// The swift client is created lazily (its credentials come from the
	// hubiC API) and invalidated on swift authentication failures.
	swiftMu     sync.Mutex
	swiftClient *swift.Client
}

// New builds the hubic provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, b.AppInfo, b.UserCredentialsRepo(), b.UserCredentials)
	if err != nil {
		return nil, err
	}
	return &hubicStorage{
		sessionManager: sm,
		retryStrategy:  b.Retry(),
		endpoint:       "https://api.hubic.com/1.0",
	}, nil
}

func (s *hubicStorage) Name() string {
	return providerName
}

// OAuth2SessionManager exposes the manager for the bootstrap workflow.
func (s *hubicStorage) OAuth2SessionManager() *auth.OAuth2SessionManager {
	return s.sessionManager
}

// buildError extracts the error message from the json body (which can be
// json even when the content type header says text/html !), looking like
// {"error":"invalid_token", "error_description":"not found"}.
func (s *hubicStorage) buildError(resp *http.Response, path *cpath.CPath) error {
	message := ""
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(request.ReadErrorBody(resp), &body); err == nil && body.Error != "" {
		message = body.Error
		if body.ErrorDescription != "" {
			message += " (" + body.ErrorDescription + ")"
		}
	}
	return errtypes.FromResponse(resp, message, path)
}

// validateAPIResponse accepts 2xx json answers; 5xx retries, and so does a
// non-json payload (hubic spuriously redirects to an html error page).
func (s *hubicStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode >= 500 {
		return errtypes.NewRetriable(s.buildError(resp, path))
	}
	if resp.StatusCode >= 300 {
		return s.buildError(resp, path)
	}
	return request.EnsureContentTypeJSON(resp, true, path)
}

func (s *hubicStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

// withTokenRefresh refreshes the access token once if a request fails with
// an authentication error (it seems to happen that hubic sometimes hands
// out invalid access tokens ?!).
func (s *hubicStorage) withTokenRefresh(ctx context.Context, fn func() error) func() error {
	alreadyRefreshed := false
	return func() error {
		err := fn()
		var ae *errtypes.Authentication
		if err != nil && errors.As(err, &ae) && !alreadyRefreshed {
			appctx.GetLogger(ctx).Warn().Err(err).Msg("got an unexpected authentication error: will refresh access_token")
			if rerr := s.sessionManager.RefreshToken(ctx); rerr != nil {
				return rerr
			}
			alreadyRefreshed = true
			return errtypes.NewRetriableDelay(ae, 0)
		}
		return err
	}
}

func (s *hubicStorage) getJSON(ctx context.Context, apiPath string, v any) error {
	ri := s.apiInvoker(nil)
	return s.retryStrategy.Do(ctx, s.withTokenRefresh(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+apiPath, nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, v)
	}))
}

// getSwiftClient returns the current swift client, creating one if none
// exists yet. Only a single goroutine creates the client; the others wait
// and reuse it. The internal swift client does NOT retry its requests,
// retries are performed by this adapter.
func (s *hubicStorage) getSwiftClient(ctx context.Context) (*swift.Client, error) {
	s.swiftMu.Lock()
	defer s.swiftMu.Unlock()
	if s.swiftClient != nil {
		return s.swiftClient, nil
	}
	var creds struct {
		Endpoint string `json:"endpoint"`
		Token    string `json:"token"`
	}
	if err := s.getJSON(ctx, "/account/credentials", &creds); err != nil {
		return nil, err
	}
	client := swift.NewClient(creds.Endpoint, creds.Token, retry.NoRetry{}, true)
	if _, err := client.UseFirstContainer(ctx); err != nil {
		return nil, err
	}
	s.swiftClient = client
	return client, nil
}

// invalidateSwiftClient drops the current client so the next call fetches
// fresh swift credentials from the hubiC API.
func (s *hubicStorage) invalidateSwiftClient() {
	s.swiftMu.Lock()
	s.swiftClient = nil
	s.swiftMu.Unlock()
}

// withSwift runs fn with the current swift client inside the retry loop.
// In case the swift authentication token has expired, the client is
// invalidated before retrying, in order to get fresh credentials.
func (s *hubicStorage) withSwift(ctx context.Context, fn func(c *swift.Client) error) error {
	return s.retryStrategy.Do(ctx, func() error {
		client, err := s.getSwiftClient(ctx)
		if err != nil {
			return err
		}
		err = fn(client)
		var ae *errtypes.Authentication
		if err != nil && errors.As(err, &ae) {
			appctx.GetLogger(ctx).Warn().Msg("swift authentication error: swift client invalidated")
			s.invalidateSwiftClient()
			// Wrap as retriable without wait, so the retrier does not abort:
			return errtypes.NewRetriableDelay(ae, 0)
		}
		return err
	})
}

// UserID returns the user email.
func (s *hubicStorage) UserID(ctx context.Context) (string, error) {
	var account struct {
		Email string `json:"email"`
	}
	if err := s.getJSON(ctx, "/account", &account); err != nil {
		return "", err
	}
	return account.Email, nil
}

func (s *hubicStorage) Quota(ctx context.Context) (storage.Quota, error) {
	var usage struct {
		Used  int64 `json:"used"`
		Quota int64 `json:"quota"`
	}
	if err := s.getJSON(ctx, "/account/usage", &usage); err != nil {
		return storage.Quota{}, err
	}
	return storage.Quota{UsedBytes: usage.Used, AllowedBytes: usage.Quota}, nil
}

func (s *hubicStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

func (s *hubicStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	var ret map[cpath.CPath]*storage.File
	err := s.withSwift(ctx, func(c *swift.Client) error {
		var err error
		ret, err = c.ListFolder(ctx, path)
		return err
	})
	return ret, err
}

func (s *hubicStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	var created bool
	err := s.withSwift(ctx, func(c *swift.Client) error {
		var err error
		created, err = c.CreateFolder(ctx, path)
		return err
	})
	return created, err
}

func (s *hubicStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	var deleted bool
	err := s.withSwift(ctx, func(c *swift.Client) error {
		var err error
		deleted, err = c.Delete(ctx, path)
		return err
	})
	return deleted, err
}

func (s *hubicStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	var f *storage.File
	err := s.withSwift(ctx, func(c *swift.Client) error {
		var err error
		f, err = c.GetFile(ctx, path)
		return err
	})
	return f, err
}

func (s *hubicStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
	return s.withSwift(ctx, func(c *swift.Client) error {
		return c.Download(ctx, req)
	})
}

func (s *hubicStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	return s.withSwift(ctx, func(c *swift.Client) error {
		return c.Upload(ctx, req)
	})
}

var _ storage.Provider = (*hubicStorage)(nil)
