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

package googledrive

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/storage"
)

// relatedBody builds "multipart/related" upload bodies: a json metadata
// part followed by the media part. The body length is computable up front
// and open() can be called again on a retried request (the byte source
// opens a fresh stream each time).
type relatedBody struct {
	boundary string
	preamble string
	epilogue string
	ureq     *storage.UploadRequest
}

func newRelatedBody(meta map[string]any, ureq *storage.UploadRequest) (*relatedBody, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "googledrive: cannot serialize upload metadata")
	}
	boundary := uuid.New().String()
	var pre strings.Builder
	pre.WriteString("--" + boundary + "\r\n")
	pre.WriteString("Content-Type: application/json; charset=UTF-8\r\n\r\n")
	pre.Write(metaJSON)
	pre.WriteString("\r\n--" + boundary + "\r\n")
	mediaType := ureq.ContentType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	pre.WriteString("Content-Type: " + mediaType + "\r\n\r\n")
	return &relatedBody{
		boundary: boundary,
		preamble: pre.String(),
		epilogue: "\r\n--" + boundary + "--\r\n",
		ureq:     ureq,
	}, nil
}

// open returns a fresh body stream, its total length and the request
// content type.
func (b *relatedBody) open() (io.ReadCloser, int64, string, error) {
	source := b.ureq.ByteSource()
	mediaLength, err := source.Length()
	if err != nil {
		return nil, 0, "", err
	}
	in, err := source.OpenStream()
	if err != nil {
		return nil, 0, "", err
	}
	length := int64(len(b.preamble)) + mediaLength + int64(len(b.epilogue))
	reader := io.MultiReader(strings.NewReader(b.preamble), in, strings.NewReader(b.epilogue))
	return &multiReadCloser{Reader: reader, closer: in}, length, "multipart/related; boundary=" + b.boundary, nil
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
