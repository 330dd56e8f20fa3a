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

package credentials

import (
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// UserCredentials associates a user id with an opaque credentials bag. The
// bag contents depend on the authentication scheme: {"password": ...} for
// basic and digest users, OAuth2 tokens ({"access_token": ...,
// "refresh_token": ..., "expires_at": ..., "token_type": ...}) otherwise.
//
// The bag is replaced wholesale after a token refresh; reads take a
// snapshot reference and bags are never mutated in place, so comparing two
// snapshots tells whether a refresh happened in between.
type UserCredentials struct {
	AppInfo AppInfo
	// UserID is filled in lately during OAuth2 bootstrap, once the provider
	// can be asked for it.
	UserID string

	mu  sync.RWMutex
	bag map[string]any
}

// NewUserCredentials builds user credentials with the given bag (which may
// be nil during bootstrap).
func NewUserCredentials(appInfo AppInfo, userID string, bag map[string]any) *UserCredentials {
	return &UserCredentials{AppInfo: appInfo, UserID: userID, bag: bag}
}

// Snapshot returns the current credentials bag. The returned map must not
// be modified.
func (u *UserCredentials) Snapshot() map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.bag
}

// SetCredentials replaces the credentials bag.
func (u *UserCredentials) SetCredentials(bag map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bag = bag
}

// Password extracts the password entry used by basic and digest sessions.
func (u *UserCredentials) Password() (string, error) {
	var creds struct {
		Password *string `mapstructure:"password"`
	}
	if err := mapstructure.Decode(u.Snapshot(), &creds); err != nil {
		return "", errors.Wrap(err, "credentials: undecodable credentials bag")
	}
	if creds.Password == nil {
		return "", errors.New("credentials: user credentials do not contain user password")
	}
	return *creds.Password, nil
}

// Repository persists user credentials; Save is called after each
// successful OAuth2 token refresh.
type Repository interface {
	// Get retrieves the credentials for the given application and optional
	// user id. When userID is empty and the repository holds a single user
	// for the application, that one is returned.
	Get(appInfo AppInfo, userID string) (*UserCredentials, error)
	Save(*UserCredentials) error
}
