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

	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/httpclient"
)

// DigestSessionManager handles http digest authentication (CloudMe).
//
// The digest transport keeps the server challenge between requests, so a
// request does not cost two round trips once the first challenge has been
// answered. The cache lives in the transport and is safe for concurrent use.
type DigestSessionManager struct {
	userCredentials *credentials.UserCredentials
	client          *httpclient.Client
}

// NewDigestSessionManager checks the user credentials carry a user id and a
// password, and returns the manager.
func NewDigestSessionManager(uc *credentials.UserCredentials) (*DigestSessionManager, error) {
	if uc.UserID == "" {
		return nil, errors.New("auth: undefined user_id in user credentials")
	}
	password, err := uc.Password()
	if err != nil {
		return nil, err
	}
	client := httpclient.New(httpclient.RoundTripper(&digest.Transport{
		Username: uc.UserID,
		Password: password,
	}))
	return &DigestSessionManager{userCredentials: uc, client: client}, nil
}

// Do performs the request with digest auth.
func (m *DigestSessionManager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return m.client.Do(req.WithContext(ctx))
}

var _ SessionManager = (*DigestSessionManager)(nil)
