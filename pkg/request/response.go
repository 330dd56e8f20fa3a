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

package request

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
)

// maxErrorBodyLength bounds how much of an error body is read for messages.
const maxErrorBodyLength = 64 * 1024

// EnsureContentType checks that the response content type contains at least
// one of the given substrings. When it does not (or is undefined), the
// built error is wrapped as retriable if raiseRetriable is set: a mismatch
// on an API endpoint is often a transient html error page.
func EnsureContentType(resp *http.Response, contentTypes []string, raiseRetriable bool, path *cpath.CPath) error {
	actual := ContentType(resp)
	var err error
	if actual == "" {
		err = errtypes.FromResponse(resp, "Undefined Content-Type in server response", path)
	} else {
		for _, ct := range contentTypes {
			if strings.Contains(actual, ct) {
				return nil
			}
		}
		err = errtypes.FromResponse(resp, "Unexpected Content-Type: "+actual, path)
	}
	if raiseRetriable {
		return errtypes.NewRetriable(err)
	}
	return err
}

// EnsureContentTypeJSON checks the response advertises a json payload.
func EnsureContentTypeJSON(resp *http.Response, raiseRetriable bool, path *cpath.CPath) error {
	return EnsureContentType(resp, []string{"application/json", "text/javascript"}, raiseRetriable, path)
}

// EnsureContentTypeXML checks the response advertises an xml payload.
func EnsureContentTypeXML(resp *http.Response, raiseRetriable bool, path *cpath.CPath) error {
	return EnsureContentType(resp, []string{"application/xml", "text/xml"}, raiseRetriable, path)
}

// ReadBody drains and closes the response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "request: cannot read response body")
	}
	return b, nil
}

// ReadErrorBody reads at most maxErrorBodyLength bytes of the body, for
// extracting server error messages. The body is left open.
func ReadErrorBody(resp *http.Response) []byte {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	if err != nil {
		return nil
	}
	return b
}

// DecodeJSON drains the body into v and closes it.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "request: cannot decode json response")
	}
	return nil
}

// DiscardResponse drains and closes the response body so the connection can
// be reused.
func DiscardResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyLength))
	resp.Body.Close()
}

// Abbreviate truncates a string for error messages; ellipsis dots are added
// when truncated.
func Abbreviate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// DownloadToSink copies a successful download response into the byte sink,
// propagating the expected length. Every exit path closes the sink stream,
// and a failed copy aborts it first. The response body is closed.
func DownloadToSink(resp *http.Response, sink bytesio.Sink) (err error) {
	defer resp.Body.Close()

	total, totalKnown := ContentLength(resp)
	if totalKnown {
		sink.SetExpectedLength(total)
	}
	out, err := sink.OpenStream()
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			out.Abort()
		}
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	current, err := io.CopyBuffer(out, resp.Body, make([]byte, 8*1024))
	if err != nil {
		// An interrupted body read is a transport failure: let the caller retry.
		return errtypes.NewRetriable(errors.Wrap(err, "request: download interrupted"))
	}
	if !totalKnown {
		// Chunked encoding: inform about the final size now that it is known.
		sink.SetExpectedLength(current)
	}
	success = true
	return nil
}
