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
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// AppInfoFileRepository reads application registrations from a plain text
// file. Format, one application per line:
//
//	provider_name.app_name = {"appId": "...", "appSecret": "...", "scope": [...], "redirectUrl": "..."}
//
// Empty lines and lines starting with '#' are ignored. A line whose json
// object lacks "appId" describes a non OAuth (login/password) application.
type AppInfoFileRepository struct {
	apps map[string]AppInfo
}

type appInfoJSON struct {
	AppID       string   `json:"appId"`
	AppSecret   string   `json:"appSecret"`
	Scope       []string `json:"scope"`
	RedirectURL string   `json:"redirectUrl"`
}

// NewAppInfoFileRepository loads the given file.
func NewAppInfoFileRepository(filename string) (*AppInfoFileRepository, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "credentials: cannot open app info file")
	}
	defer f.Close()

	repo := &AppInfoFileRepository{apps: map[string]AppInfo{}}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.Errorf("credentials: not parsable line: %s", line)
		}
		providerName, appName, found := strings.Cut(strings.TrimSpace(key), ".")
		if !found {
			return nil, errors.Errorf("credentials: not parsable application key: %s", key)
		}
		var info appInfoJSON
		if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &info); err != nil {
			return nil, errors.Wrapf(err, "credentials: not parsable app info for %s.%s", providerName, appName)
		}
		appInfo := AppInfo{ProviderName: providerName, AppName: appName}
		if info.AppID != "" { // is this an OAuth2 provider ?
			appInfo.AppID = info.AppID
			appInfo.AppSecret = info.AppSecret
			appInfo.Scope = info.Scope
			appInfo.RedirectURL = info.RedirectURL
		}
		repo.apps[appInfo.Key()] = appInfo
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "credentials: cannot read app info file")
	}
	return repo, nil
}

// Get retrieves application information for the specified provider and
// optional application name. If the repository contains only one
// application for the provider, appName may be left empty.
func (r *AppInfoFileRepository) Get(providerName, appName string) (AppInfo, error) {
	if appName != "" {
		info, ok := r.apps[providerName+"."+appName]
		if !ok {
			return AppInfo{}, errors.Errorf("credentials: no application found for provider %q and name %q", providerName, appName)
		}
		return info, nil
	}
	var found *AppInfo
	for k := range r.apps {
		if strings.HasPrefix(k, providerName+".") {
			if found != nil {
				return AppInfo{}, errors.Errorf("credentials: several applications found for provider: %s", providerName)
			}
			info := r.apps[k]
			found = &info
		}
	}
	if found == nil {
		return AppInfo{}, errors.Errorf("credentials: no application found for provider: %s", providerName)
	}
	return *found, nil
}

var _ AppInfoRepository = (*AppInfoFileRepository)(nil)
