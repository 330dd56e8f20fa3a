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

package swift

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netheos/pcsapi/pkg/appctx"
)

// metaHeaderPrefix prefixes object user metadata headers; values are MIME
// encoded when not plain ascii.
const metaHeaderPrefix = "X-Object-Meta-"

// parseLastModified parses the "last_modified" entry of object listings:
// ISO 8601, defaulting to UTC when no offset is present.
func parseLastModified(ctx context.Context, lastModified string) time.Time {
	if lastModified == "" {
		appctx.GetLogger(ctx).Warn().Msg("no last_modified entry in listing")
		return time.Time{}
	}
	if !strings.Contains(lastModified, "+") && !strings.HasSuffix(lastModified, "Z") {
		lastModified += "+00:00"
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999Z07:00", lastModified)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Str("last_modified", lastModified).Msg("not parsable last_modified value")
		return time.Time{}
	}
	return t.UTC()
}

// parseXTimestamp parses the X-Timestamp header (float seconds since epoch)
// into an UTC time.
func parseXTimestamp(ctx context.Context, headers http.Header) time.Time {
	value := headers.Get("X-Timestamp")
	if value == "" {
		appctx.GetLogger(ctx).Warn().Msg("no X-Timestamp header found ?!")
		return time.Time{}
	}
	ts, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Str("value", value).Msg("could not convert timestamp value")
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// parseXMetaHeaders extracts user metadata from x-object-meta-* headers,
// decoding MIME encoded-words in values.
func parseXMetaHeaders(ctx context.Context, headers http.Header) map[string]string {
	var metadata map[string]string
	decoder := &mime.WordDecoder{}
	for name, values := range headers {
		if !strings.HasPrefix(strings.ToLower(name), strings.ToLower(metaHeaderPrefix)) || len(values) == 0 {
			continue
		}
		key := strings.ToLower(name[len(metaHeaderPrefix):])
		value, err := decoder.DecodeHeader(values[0])
		if err != nil {
			appctx.GetLogger(ctx).Warn().Str("value", values[0]).Msg("could not parse metadata header value")
			continue
		}
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata[key] = value
	}
	return metadata
}

// addMetadataHeaders writes user metadata as x-object-meta-* headers,
// MIME encoding non ascii values.
func addMetadataHeaders(headers http.Header, metadata map[string]string) {
	for key, value := range metadata {
		value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
		headers.Set(metaHeaderPrefix+key, mime.QEncoding.Encode("utf-8", value))
	}
}
