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

package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/retry"
)

// NewFunc builds a provider from an assembled builder. Each provider
// implementation gets its required information from the builder.
type NewFunc func(b *Builder) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]NewFunc{}
)

// Register adds a provider constructor under the given name; it is meant to
// be called from provider init functions. The registry is write-once at
// startup and queried through NewBuilder and Providers.
func Register(name string, f NewFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Providers returns the sorted names of all registered providers.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builder assembles everything a provider adapter needs: application
// information, user credentials, and a retry strategy.
type Builder struct {
	providerName string
	newFunc      NewFunc

	appInfoRepo      credentials.AppInfoRepository
	appName          string
	userCredsRepo    credentials.Repository
	userID           string
	forBootstrapping bool
	retryStrategy    retry.Invoker

	// Resolved by Build, read by provider constructors:
	AppInfo         credentials.AppInfo
	UserCredentials *credentials.UserCredentials
}

// NewBuilder returns a builder for the named provider (always lower case).
func NewBuilder(providerName string) (*Builder, error) {
	registryMu.RLock()
	f, ok := registry[providerName]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("storage: no provider implementation registered for name: %s", providerName)
	}
	return &Builder{
		providerName:  providerName,
		newFunc:       f,
		retryStrategy: retry.Default(),
	}, nil
}

// AppInfoRepository sets the application information repository and the
// optional application name.
func (b *Builder) AppInfoRepository(repo credentials.AppInfoRepository, appName string) *Builder {
	b.appInfoRepo = repo
	b.appName = appName
	return b
}

// UserCredentialsRepository sets the user credentials repository and the
// optional user id.
func (b *Builder) UserCredentialsRepository(repo credentials.Repository, userID string) *Builder {
	b.userCredsRepo = repo
	b.userID = userID
	return b
}

// ForBootstrap indicates the storage is instantiated without user
// credentials, for the initial OAuth2 workflow: the provider can retrieve
// the user id thanks to a fresh access token before any credentials are
// saved. As this use case is unlikely, this method marks the specificity:
// no "missing user credentials" error will be raised.
func (b *Builder) ForBootstrap() *Builder {
	b.forBootstrapping = true
	return b
}

// RetryStrategy replaces the default retry strategy (5 attempts, 1 second
// initial sleep).
func (b *Builder) RetryStrategy(s retry.Invoker) *Builder {
	b.retryStrategy = s
	return b
}

// UserCredentialsRepo exposes the configured repository to provider
// constructors (OAuth2 session managers persist refreshed tokens there).
func (b *Builder) UserCredentialsRepo() credentials.Repository {
	return b.userCredsRepo
}

// Retry exposes the configured retry strategy to provider constructors.
func (b *Builder) Retry() retry.Invoker {
	return b.retryStrategy
}

// Build resolves application information and user credentials, then
// constructs the provider-specific storage implementation.
func (b *Builder) Build() (Provider, error) {
	if b.appInfoRepo == nil {
		return nil, errors.New("storage: undefined application information repository")
	}
	if b.userCredsRepo == nil {
		return nil, errors.New("storage: undefined user credentials repository")
	}
	appInfo, err := b.appInfoRepo.Get(b.providerName, b.appName)
	if err != nil {
		return nil, err
	}
	b.AppInfo = appInfo

	if !b.forBootstrapping {
		// Usual case: retrieve user credentials. The user id may be
		// unspecified, the repository handles this.
		uc, err := b.userCredsRepo.Get(appInfo, b.userID)
		if err != nil {
			return nil, err
		}
		b.UserCredentials = uc
	}
	return b.newFunc(b)
}
