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

// Package storage defines the provider-neutral file model, the common
// operation set implemented by every provider adapter, and the builder that
// assembles a concrete storage from application information, user
// credentials and a retry strategy.
package storage

import (
	"fmt"
	"time"

	"github.com/netheos/pcsapi/pkg/cpath"
)

// FileType discriminates folders from blobs.
type FileType int

const (
	// TypeFolder is a container of blobs and folders.
	TypeFolder FileType = iota
	// TypeBlob is a file object holding bytes.
	TypeBlob
)

// File describes a remote file: a folder or a blob.
//
// Depending on the request that produced it, some information may be
// missing (listings do not always carry metadata).
type File struct {
	Path cpath.CPath
	Type FileType
	// FileID is the provider identifier, for identifier-addressed providers.
	FileID string
	// ModTime is the last modification time in UTC (zero when the provider
	// did not publish one).
	ModTime time.Time
	// Metadata holds provider user-metadata, when available.
	Metadata map[string]string

	// Length is the blob byte length; -1 when the provider does not publish
	// a size (google native docs). Always 0 for folders.
	Length int64
	// ContentType is the blob content type, when known.
	ContentType string
}

// NewFolder returns a folder description.
func NewFolder(path cpath.CPath) *File {
	return &File{Path: path, Type: TypeFolder}
}

// NewBlob returns a blob description.
func NewBlob(path cpath.CPath, length int64, contentType string) *File {
	return &File{Path: path, Type: TypeBlob, Length: length, ContentType: contentType}
}

// IsFolder reports whether this file is a folder.
func (f *File) IsFolder() bool { return f.Type == TypeFolder }

// IsBlob reports whether this file is a blob.
func (f *File) IsBlob() bool { return f.Type == TypeBlob }

func (f *File) String() string {
	if f.IsFolder() {
		return fmt.Sprintf("CFolder(%s)", f.Path)
	}
	return fmt.Sprintf("CBlob(%s) %s (%d bytes)", f.Path, f.ContentType, f.Length)
}

// Quota holds used/available storage information. Negative values indicate
// that the information is not available from the provider.
type Quota struct {
	UsedBytes    int64
	AllowedBytes int64
}

// PercentUsed returns the used space as a percentage, or -1 when unknown.
func (q Quota) PercentUsed() float64 {
	if q.UsedBytes >= 0 && q.AllowedBytes > 0 {
		return float64(q.UsedBytes) * 100.0 / float64(q.AllowedBytes)
	}
	return -1.0
}

func (q Quota) String() string {
	return fmt.Sprintf("CQuota(%d, %d)", q.UsedBytes, q.AllowedBytes)
}
