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

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/httpclient"
)

// SessionManager issues authenticated http requests to a provider.
type SessionManager interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// BasicSessionManager adds an http basic authentication header.
// Note: this is actually NOT an oauth manager !
type BasicSessionManager struct {
	userCredentials *credentials.UserCredentials
	password        string
	client          *httpclient.Client
}

// NewBasicSessionManager checks the user credentials carry a user id and a
// password, and returns the manager.
func NewBasicSessionManager(uc *credentials.UserCredentials, client *httpclient.Client) (*BasicSessionManager, error) {
	if uc.UserID == "" {
		return nil, errors.New("auth: undefined user_id in user credentials")
	}
	password, err := uc.Password()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = httpclient.New()
	}
	return &BasicSessionManager{userCredentials: uc, password: password, client: client}, nil
}

// Do performs the request with basic auth attached.
func (m *BasicSessionManager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.SetBasicAuth(m.userCredentials.UserID, m.password)
	return m.client.Do(req)
}

var _ SessionManager = (*BasicSessionManager)(nil)
