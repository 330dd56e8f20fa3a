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
	"fmt"

	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
)

// UploadRequest describes a blob upload: where to write, which bytes to
// send, and optional content type, metadata and progress listener.
type UploadRequest struct {
	Path        cpath.CPath
	Source      bytesio.Source
	ContentType string
	Metadata    map[string]string

	progressListener bytesio.ProgressListener
}

// NewUploadRequest builds an upload request.
func NewUploadRequest(path cpath.CPath, source bytesio.Source) *UploadRequest {
	return &UploadRequest{Path: path, Source: source}
}

// WithContentType sets the uploaded content type.
func (r *UploadRequest) WithContentType(contentType string) *UploadRequest {
	r.ContentType = contentType
	return r
}

// WithMetadata sets the uploaded user metadata.
func (r *UploadRequest) WithMetadata(metadata map[string]string) *UploadRequest {
	r.Metadata = metadata
	return r
}

// WithProgressListener makes the transfer observable.
func (r *UploadRequest) WithProgressListener(pl bytesio.ProgressListener) *UploadRequest {
	r.progressListener = pl
	return r
}

// ByteSource returns the source set in the constructor, decorated with the
// progress listener when one has been specified.
func (r *UploadRequest) ByteSource() bytesio.Source {
	if r.progressListener != nil {
		return bytesio.NewProgressSource(r.Source, r.progressListener)
	}
	return r.Source
}

// ByteRange is a partial download window. Offset < 0 with a set length
// means "last Length bytes"; Length < 0 with a set offset means "from
// Offset up to the end".
type ByteRange struct {
	Offset int64
	Length int64
}

// Header returns the value of the http Range header for this window.
func (br ByteRange) Header() string {
	start := br.Offset
	value := "bytes="
	if br.Offset >= 0 {
		value += fmt.Sprintf("%d", br.Offset)
	} else {
		start = 1
	}
	value += "-"
	if br.Length >= 0 {
		value += fmt.Sprintf("%d", start+br.Length-1)
	}
	return value
}

// DownloadRequest describes a blob download: which blob, where bytes go,
// and optional range and progress listener.
type DownloadRequest struct {
	Path cpath.CPath
	Sink bytesio.Sink

	byteRange        *ByteRange
	progressListener bytesio.ProgressListener
}

// NewDownloadRequest builds a download request.
func NewDownloadRequest(path cpath.CPath, sink bytesio.Sink) *DownloadRequest {
	return &DownloadRequest{Path: path, Sink: sink}
}

// WithRange asks for partial content. Note that the second parameter is a
// length, not an offset (this differs from the raw http Range header).
// Negative offset means "download the last length bytes"; negative length
// means "download from offset up to the end".
func (r *DownloadRequest) WithRange(offset, length int64) *DownloadRequest {
	if offset < 0 && length < 0 {
		r.byteRange = nil
	} else {
		r.byteRange = &ByteRange{Offset: offset, Length: length}
	}
	return r
}

// WithProgressListener makes the transfer observable.
func (r *DownloadRequest) WithProgressListener(pl bytesio.ProgressListener) *DownloadRequest {
	r.progressListener = pl
	return r
}

// HTTPHeaders returns the headers to add to the download request (the Range
// header, when a range has been set).
func (r *DownloadRequest) HTTPHeaders() map[string]string {
	headers := map[string]string{}
	if r.byteRange != nil {
		headers["Range"] = r.byteRange.Header()
	}
	return headers
}

// ByteSink returns the sink set in the constructor, decorated with the
// progress listener when one has been specified.
func (r *DownloadRequest) ByteSink() bytesio.Sink {
	if r.progressListener != nil {
		return bytesio.NewProgressSink(r.Sink, r.progressListener)
	}
	return r.Sink
}
