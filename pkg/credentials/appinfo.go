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

// Package credentials holds application registrations and per-user
// credentials, plus the plain-text file repositories that persist them for
// tests and bootstrap flows.
package credentials

// AppInfo holds application information for OAuth2 providers (web
// application workflow). Also used for login/password authenticated users:
// in this case the application name can be set to "login".
type AppInfo struct {
	// ProviderName is the lower case name of the provider.
	ProviderName string
	// AppName is the name of the application, as registered on the provider.
	AppName string
	// AppID is the application id, for OAuth providers.
	AppID string
	// AppSecret is the application secret, for OAuth providers.
	AppSecret string
	// Scope is the list of permissions asked by the application.
	Scope []string
	// RedirectURL is the application callback URL (web application workflow).
	RedirectURL string
}

// IsOAuth reports whether this is an OAuth registered application
// (iff an application id is present).
func (a AppInfo) IsOAuth() bool {
	return a.AppID != ""
}

// Key returns the repository key "provider.appname".
func (a AppInfo) Key() string {
	return a.ProviderName + "." + a.AppName
}

// AppInfoRepository resolves application information. When appName is empty
// and the repository holds a single application for the provider, that one
// is returned.
type AppInfoRepository interface {
	Get(providerName, appName string) (AppInfo, error)
}
