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
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// UserCredentialsFileRepository reads and writes user credentials from a
// plain text file. Format, one user per line:
//
//	provider_name.app_name.user_id = {"access_token": ..., ...}
//
// Sample code only: data is NOT encrypted in the file, and this repository
// does not scale to many users. It is thread-safe, but NOT multi-process
// safe (writes go through an atomic rename, so readers never observe a
// partial file).
type UserCredentialsFileRepository struct {
	filename string

	mu    sync.Mutex
	creds map[string]map[string]any
}

// NewUserCredentialsFileRepository loads the given file if it exists (a
// missing file is an empty repository that will be created on first save).
func NewUserCredentialsFileRepository(filename string) (*UserCredentialsFileRepository, error) {
	repo := &UserCredentialsFileRepository{
		filename: filename,
		creds:    map[string]map[string]any{},
	}
	if _, err := os.Stat(filename); err != nil {
		if os.IsNotExist(err) {
			return repo, nil
		}
		return nil, errors.Wrap(err, "credentials: cannot stat user credentials file")
	}
	if err := repo.readFile(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Get retrieves the credentials for the given application and optional user
// id. If the repository contains only one user for the application, userID
// may be left empty.
func (r *UserCredentialsFileRepository) Get(appInfo AppInfo, userID string) (*UserCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := appInfo.Key() + "."
	if userID != "" {
		bag, ok := r.creds[prefix+userID]
		if !ok {
			return nil, errors.Errorf("credentials: no user credentials found for %s%s", prefix, userID)
		}
		return NewUserCredentials(appInfo, userID, bag), nil
	}
	var (
		foundID  string
		foundBag map[string]any
	)
	for k, bag := range r.creds {
		if strings.HasPrefix(k, prefix) {
			if foundBag != nil {
				return nil, errors.Errorf("credentials: several user credentials found for application %s", appInfo.Key())
			}
			foundID = k[len(prefix):]
			foundBag = bag
		}
	}
	if foundBag == nil {
		return nil, errors.Errorf("credentials: no user credentials found for application %s", appInfo.Key())
	}
	return NewUserCredentials(appInfo, foundID, foundBag), nil
}

// Save persists the credentials, rewriting the whole file atomically.
func (r *UserCredentialsFileRepository) Save(uc *UserCredentials) error {
	if uc.UserID == "" {
		return errors.New("credentials: undefined user_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[uc.AppInfo.Key()+"."+uc.UserID] = uc.Snapshot()
	return r.writeFile()
}

func (r *UserCredentialsFileRepository) readFile() error {
	f, err := os.Open(r.filename)
	if err != nil {
		return errors.Wrap(err, "credentials: cannot open user credentials file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return errors.Errorf("credentials: not parsable line: %s", line)
		}
		var bag map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &bag); err != nil {
			return errors.Wrapf(err, "credentials: not parsable credentials for %s", strings.TrimSpace(key))
		}
		r.creds[strings.TrimSpace(key)] = bag
	}
	return errors.Wrap(scanner.Err(), "credentials: cannot read user credentials file")
}

func (r *UserCredentialsFileRepository) writeFile() error {
	var buf bytes.Buffer
	buf.WriteString("# Lines format is key = value\n")
	buf.WriteString("# key is composed of providerName.appName.userId\n")
	buf.WriteString("# value is a json object containing tokens for this (user, application) couple.\n")
	buf.WriteString("# Note that token content is provider dependent.\n")
	buf.WriteString("# do NOT modify this file by hand: your modifications would be erased by next write.\n")

	keys := make([]string, 0, len(r.creds))
	for k := range r.creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := json.Marshal(r.creds[k])
		if err != nil {
			return errors.Wrapf(err, "credentials: cannot serialize credentials for %s", k)
		}
		buf.WriteString(k)
		buf.WriteString(" = ")
		buf.Write(value)
		buf.WriteByte('\n')
	}
	// Write to a temporary file renamed over the destination, so that
	// nothing is lost if the process dies mid-write.
	if err := renameio.WriteFile(r.filename, buf.Bytes(), 0o600); err != nil {
		return errors.Wrap(err, "credentials: cannot write user credentials file")
	}
	return nil
}

var _ Repository = (*UserCredentialsFileRepository)(nil)
