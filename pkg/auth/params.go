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

// Package auth supplies authenticated http sessions: basic, digest, and
// OAuth2 with coordinated token refresh.
package auth

import (
	"strings"
)

// OAuth2Params stores a provider's OAuth2 endpoint URLs and the small
// variations between providers.
type OAuth2Params struct {
	AuthorizeURL string
	TokenURL     string
	// RefreshURL is empty for providers that do not support token refresh
	// (dropbox style).
	RefreshURL string
	// ScopeInAuthorization is set when the provider expects the scope in the
	// authorization URL.
	ScopeInAuthorization bool
	// ScopePermsSeparator joins scope permissions: some providers separate
	// them with spaces, others with commas.
	ScopePermsSeparator string
}

// ScopeForAuthorization converts a scope (list of permissions) to the string
// used when building the OAuth authorization URL; empty when the provider
// does not support scopes at all.
func (p OAuth2Params) ScopeForAuthorization(scope []string) string {
	if !p.ScopeInAuthorization {
		return ""
	}
	return strings.Join(scope, p.ScopePermsSeparator)
}

// GrantedScope converts the permissions string a callback URL may carry
// (hubic does this) back into a scope list.
func (p OAuth2Params) GrantedScope(permissions string) []string {
	if permissions == "" {
		return nil
	}
	return strings.Split(permissions, p.ScopePermsSeparator)
}
