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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Bootstrapper drives the manual OAuth2 code workflow used to populate a
// user credentials repository the first time: print the authorization URL,
// read the callback URL (or raw code) back, exchange it for tokens, resolve
// the user id and persist everything.
type Bootstrapper struct {
	manager *OAuth2SessionManager
	// userID asks the provider for the stable user identifier; tokens must
	// already be available when it is called.
	userID func(ctx context.Context) (string, error)
}

// NewBootstrapper returns a bootstrapper for the given manager.
func NewBootstrapper(manager *OAuth2SessionManager, userID func(ctx context.Context) (string, error)) *Bootstrapper {
	return &Bootstrapper{manager: manager, userID: userID}
}

// DoCodeWorkflow runs the interactive flow on the given reader/writer.
func (b *Bootstrapper) DoCodeWorkflow(ctx context.Context, in io.Reader, out io.Writer) error {
	authorizeURL, state, err := b.manager.AuthorizeURL()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Authorize URL:\n\n%s\n\n", authorizeURL)
	fmt.Fprintln(out, "Copy paste in browser, authorize, then input full callback URL or authorization code:")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return errors.Wrap(err, "auth: cannot read authorization code")
	}
	codeOrURL := strings.TrimSpace(line)

	userCredentials, err := b.manager.FetchUserCredentials(ctx, codeOrURL, state)
	if err != nil {
		return err
	}

	// user_id is still unknown in the credentials, so they cannot be saved
	// yet; retrieve it first thanks to the fresh access token:
	userID, err := b.userID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Retrieved user_id = %s\n", userID)
	userCredentials.UserID = userID

	return b.manager.SaveUserCredentials()
}
