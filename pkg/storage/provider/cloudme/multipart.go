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

package cloudme

import (
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/netheos/pcsapi/pkg/storage"
)

// escapeXML escapes a string for inclusion in an xml fragment.
func escapeXML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// formDataBody builds the "multipart/form-data" upload body with the single
// "bin" part. CloudMe does not support UTF-8 encoded filenames of the form
// filename*=UTF-8''...; instead raw UTF-8 bytes are sent between quotes
// (a filename can not contain any quote). The part content type is set from
// the request but is actually ignored by the provider.
type formDataBody struct {
	boundary string
	preamble string
	epilogue string
	ureq     *storage.UploadRequest
}

func newFormDataBody(ureq *storage.UploadRequest) *formDataBody {
	boundary := uuid.New().String()
	var pre strings.Builder
	pre.WriteString("--" + boundary + "\r\n")
	pre.WriteString(`Content-Disposition: form-data; name="bin"; filename="` + ureq.Path.BaseName() + `"` + "\r\n")
	if ureq.ContentType != "" {
		pre.WriteString("Content-Type: " + ureq.ContentType + "\r\n")
	}
	pre.WriteString("\r\n")
	return &formDataBody{
		boundary: boundary,
		preamble: pre.String(),
		epilogue: "\r\n--" + boundary + "--\r\n",
		ureq:     ureq,
	}
}

// open returns a fresh body stream, its total length and the request
// content type.
func (b *formDataBody) open() (io.ReadCloser, int64, string, error) {
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
	return &multiReadCloser{Reader: reader, closer: in}, length, "multipart/form-data; boundary=" + b.boundary, nil
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
