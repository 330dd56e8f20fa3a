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
	"context"

	"github.com/netheos/pcsapi/pkg/cpath"
)

// Provider is the common operation set implemented by every storage
// adapter. Implementations are safe for concurrent use.
type Provider interface {
	// Name returns the lower case provider name.
	Name() string

	// UserID returns the stable per-user identifier (login in case of
	// login/password, email in case of OAuth).
	UserID(ctx context.Context) (string, error)

	// Quota returns used and allowed bytes; negative values mean unknown.
	Quota(ctx context.Context) (Quota, error)

	// ListRootFolder is equivalent to ListFolder of the root path.
	ListRootFolder(ctx context.Context) (map[cpath.CPath]*File, error)

	// ListFolder returns the direct children of the given folder (an empty
	// map for an empty folder). It returns a nil map if no folder exists at
	// this path, and an InvalidType error if the path is a blob.
	// Note: returned files may have incomplete information.
	ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*File, error)

	// CreateFolder creates a folder at the given path, with intermediate
	// folders as needed. It returns true if the folder has been created,
	// false if it already existed, and an InvalidType error if a blob
	// exists at this path or along it.
	CreateFolder(ctx context.Context, path cpath.CPath) (bool, error)

	// Delete deletes the blob, or recursively deletes the folder, at the
	// given path. It returns true if at least one file was deleted, false
	// if nothing existed. Deleting the root folder is an error.
	Delete(ctx context.Context, path cpath.CPath) (bool, error)

	// GetFile returns detailed information about the file at the given
	// path, or nil if no file exists there.
	GetFile(ctx context.Context, path cpath.CPath) (*File, error)

	// Download streams a blob into the request sink, honoring the byte
	// range. It returns a NotFound error if no blob exists at this path and
	// an InvalidType error if the path is a folder.
	Download(ctx context.Context, req *DownloadRequest) error

	// Upload stores the request byte source, replacing any existing blob at
	// this path and creating parent folders as needed. It returns an
	// InvalidType error if a folder exists at this path, or if a blob
	// shadows any path component.
	Upload(ctx context.Context, req *UploadRequest) error
}
