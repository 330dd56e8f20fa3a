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

package rapidshare

import (
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/netheos/pcsapi/pkg/storage"
)

// uploadBody builds the "multipart/form-data" upload body: the plain form
// fields (credentials included, as posted requests carry them in the form)
// followed by the file part. open can be called again on a retried request.
type uploadBody struct {
	boundary string
	preamble string
	epilogue string
	ureq     *storage.UploadRequest
}

func newUploadBody(fields map[string]string, fileField string, ureq *storage.UploadRequest) *uploadBody {
	boundary := uuid.New().String()
	var pre strings.Builder
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pre.WriteString("--" + boundary + "\r\n")
		pre.WriteString(`Content-Disposition: form-data; name="` + name + `"` + "\r\n\r\n")
		pre.WriteString(fields[name])
		pre.WriteString("\r\n")
	}
	pre.WriteString("--" + boundary + "\r\n")
	pre.WriteString(`Content-Disposition: form-data; name="` + fileField + `"; filename="` +
		ureq.Path.BaseName() + `"` + "\r\n")
	pre.WriteString("Content-Type: application/octet-stream\r\n\r\n")
	return &uploadBody{
		boundary: boundary,
		preamble: pre.String(),
		epilogue: "\r\n--" + boundary + "--\r\n",
		ureq:     ureq,
	}
}

// open returns a fresh body stream, its total length and the request
// content type.
func (b *uploadBody) open() (io.ReadCloser, int64, string, error) {
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
