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
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/httpclient"
)

// OAuth2SessionManager performs requests with the current access token, and
// refreshes it when the provider announced an expiration time that has
// passed. Refreshing is coordinated so that concurrent requests trigger a
// single token exchange, and the refreshed bag is persisted through the
// user credentials repository.
type OAuth2SessionManager struct {
	params          OAuth2Params
	appInfo         credentials.AppInfo
	repo            credentials.Repository
	userCredentials *credentials.UserCredentials
	client          *httpclient.Client

	refreshMu sync.Mutex
}

// token is the typed view of an OAuth2 credentials bag. expires_at is kept
// as float unix seconds, the format the original credential files use.
type token struct {
	AccessToken  string  `mapstructure:"access_token"`
	RefreshToken string  `mapstructure:"refresh_token"`
	TokenType    string  `mapstructure:"token_type"`
	ExpiresAt    float64 `mapstructure:"expires_at"`
}

func decodeToken(bag map[string]any) (token, error) {
	var t token
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &t,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return t, errors.Wrap(err, "auth: cannot build token decoder")
	}
	if err := dec.Decode(bag); err != nil {
		return t, errors.Wrap(err, "auth: undecodable credentials bag")
	}
	return t, nil
}

func (t token) expired() bool {
	return t.ExpiresAt > 0 && float64(time.Now().Unix()) >= t.ExpiresAt
}

// NewOAuth2SessionManager builds a manager. userCredentials may be nil when
// bootstrapping (no tokens exist yet); otherwise the bag must already
// contain an access token.
func NewOAuth2SessionManager(params OAuth2Params, appInfo credentials.AppInfo,
	repo credentials.Repository, userCredentials *credentials.UserCredentials) (*OAuth2SessionManager, error) {
	if userCredentials != nil {
		t, err := decodeToken(userCredentials.Snapshot())
		if err != nil {
			return nil, err
		}
		if t.AccessToken == "" {
			return nil, errors.New("auth: user credentials do not contain any access token")
		}
	}
	return &OAuth2SessionManager{
		params:          params,
		appInfo:         appInfo,
		repo:            repo,
		userCredentials: userCredentials,
		client:          httpclient.New(),
	}, nil
}

// UserCredentials returns the managed credentials (nil before bootstrap has
// fetched them).
func (m *OAuth2SessionManager) UserCredentials() *credentials.UserCredentials {
	return m.userCredentials
}

// Do performs the request with a bearer token attached. An access token
// past its announced expiration is refreshed first; a token that is still
// expired after a refresh is a fatal error.
func (m *OAuth2SessionManager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	log := appctx.GetLogger(ctx)
	if m.userCredentials == nil {
		return nil, errors.New("auth: no user credentials (bootstrapping session manager?)")
	}
	t, err := decodeToken(m.userCredentials.Snapshot())
	if err != nil {
		return nil, err
	}
	if t.expired() {
		log.Debug().Msg("expired access_token: will refresh")
		if err := m.RefreshToken(ctx); err != nil {
			return nil, err
		}
		if t, err = decodeToken(m.userCredentials.Snapshot()); err != nil {
			return nil, err
		}
		if t.expired() {
			return nil, errors.New("auth: expired token after refresh ? Giving up")
		}
	}
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", tokenType+" "+t.AccessToken)
	return m.client.Do(req)
}

// RefreshToken exchanges the refresh token for a fresh access token, stores
// the new bag in the user credentials and persists it.
//
// The method is synchronized so that no two goroutines attempt to refresh
// at the same time; a goroutine that waited on the mutex while another one
// refreshed sees a changed bag and does not refresh again.
//
// Not all providers support token refresh (ex: dropbox).
func (m *OAuth2SessionManager) RefreshToken(ctx context.Context) error {
	log := appctx.GetLogger(ctx)
	if m.params.RefreshURL == "" {
		return errors.New("auth: invalid or expired token ; provider does not support token refresh")
	}

	snapshot := m.userCredentials.Snapshot()
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if !reflect.DeepEqual(m.userCredentials.Snapshot(), snapshot) {
		log.Debug().Msg("token already refreshed by another goroutine")
		return nil
	}
	t, err := decodeToken(snapshot)
	if err != nil {
		return err
	}

	conf := &oauth2.Config{
		ClientID:     m.appInfo.AppID,
		ClientSecret: m.appInfo.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.params.RefreshURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// Hand an expired token to the source so it performs the refresh
	// exchange immediately.
	src := conf.TokenSource(m.oauthContext(ctx), &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       time.Now().Add(-time.Minute),
	})
	newToken, err := src.Token()
	if err != nil {
		return errors.Wrap(err, "auth: token refresh failed")
	}
	log.Debug().Msg("will persist refreshed token")
	return m.storeToken(newToken, t.RefreshToken)
}

// storeToken replaces the credentials bag with the given token and saves it
// through the repository when one is configured.
func (m *OAuth2SessionManager) storeToken(t *oauth2.Token, previousRefreshToken string) error {
	bag := map[string]any{
		"access_token": t.AccessToken,
	}
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	bag["token_type"] = tokenType
	refreshToken := t.RefreshToken
	if refreshToken == "" {
		// The provider kept the old refresh token.
		refreshToken = previousRefreshToken
	}
	if refreshToken != "" {
		bag["refresh_token"] = refreshToken
	}
	if !t.Expiry.IsZero() {
		// Relative expiration times become an absolute timestamp, used when
		// the token is read again in the future.
		bag["expires_at"] = float64(t.Expiry.Unix())
	}
	m.userCredentials.SetCredentials(bag)
	if m.repo != nil && m.userCredentials.UserID != "" {
		return m.repo.Save(m.userCredentials)
	}
	return nil
}

// SaveUserCredentials persists the current credentials; used at the end of
// the bootstrap workflow once the user id is known.
func (m *OAuth2SessionManager) SaveUserCredentials() error {
	if m.repo == nil {
		return errors.New("auth: no user credentials repository")
	}
	return m.repo.Save(m.userCredentials)
}

// AuthorizeURL returns the provider authorization URL and the opaque state
// to be echoed in the callback.
func (m *OAuth2SessionManager) AuthorizeURL() (authorizeURL, state string, err error) {
	if !m.appInfo.IsOAuth() {
		return "", "", errors.New("auth: application is not OAuth registered")
	}
	conf := &oauth2.Config{
		ClientID:    m.appInfo.AppID,
		RedirectURL: m.appInfo.RedirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: m.params.AuthorizeURL},
	}
	state = uuid.NewString()
	var opts []oauth2.AuthCodeOption
	if scope := m.params.ScopeForAuthorization(m.appInfo.Scope); scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}
	return conf.AuthCodeURL(state, opts...), state, nil
}

// FetchUserCredentials exchanges an authorization code for tokens; this is
// the bootstrapping step that produces the initial refresh token. The input
// is either the raw code, or the full callback URL (whose state is then
// checked against the one returned by AuthorizeURL).
//
// The user id of the returned credentials is still empty: it is filled in
// later by the caller, once the storage can be asked for it.
func (m *OAuth2SessionManager) FetchUserCredentials(ctx context.Context, codeOrURL, state string) (*credentials.UserCredentials, error) {
	log := appctx.GetLogger(ctx)
	code := codeOrURL
	if strings.HasPrefix(codeOrURL, "http://") || strings.HasPrefix(codeOrURL, "https://") {
		u, err := url.Parse(codeOrURL)
		if err != nil {
			return nil, errors.Wrap(err, "auth: not parsable callback URL")
		}
		query := u.Query()
		if echoed := query.Get("state"); echoed != "" && echoed != state {
			return nil, errors.New("auth: state mismatch in callback URL")
		}
		code = query.Get("code")
		if code == "" {
			return nil, errors.New("auth: no authorization code in callback URL")
		}
		if granted := query.Get("scope"); granted != "" {
			log.Debug().Strs("scope", m.params.GrantedScope(granted)).Msg("granted scope")
		}
	}

	conf := &oauth2.Config{
		ClientID:     m.appInfo.AppID,
		ClientSecret: m.appInfo.AppSecret,
		RedirectURL:  m.appInfo.RedirectURL,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.params.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	t, err := conf.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return nil, errors.Wrap(err, "auth: authorization code exchange failed")
	}
	if m.userCredentials == nil {
		m.userCredentials = credentials.NewUserCredentials(m.appInfo, "", nil)
	}
	if err := m.storeToken(t, ""); err != nil {
		return nil, err
	}
	return m.userCredentials, nil
}

func (m *OAuth2SessionManager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client.GetNativeHTTP())
}

var _ SessionManager = (*OAuth2SessionManager)(nil)
