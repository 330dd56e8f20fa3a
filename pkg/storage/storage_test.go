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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
)

func path(t *testing.T, s string) cpath.CPath {
	t.Helper()
	p, err := cpath.New(s)
	require.NoError(t, err)
	return p
}

func TestDownloadRequestBytesRange(t *testing.T) {
	dr := NewDownloadRequest(path(t, "/foo"), bytesio.NewMemorySink())
	assert.Empty(t, dr.HTTPHeaders())

	dr.WithRange(-1, -1)
	assert.Empty(t, dr.HTTPHeaders())
	dr.WithRange(-1, 100)
	assert.Equal(t, map[string]string{"Range": "bytes=-100"}, dr.HTTPHeaders())
	dr.WithRange(10, 100)
	assert.Equal(t, map[string]string{"Range": "bytes=10-109"}, dr.HTTPHeaders())
	dr.WithRange(100, -1)
	assert.Equal(t, map[string]string{"Range": "bytes=100-"}, dr.HTTPHeaders())
}

func TestDownloadRequestProgressListener(t *testing.T) {
	sink := bytesio.NewMemorySink()
	dr := NewDownloadRequest(path(t, "/foo"), sink)
	assert.Equal(t, bytesio.Sink(sink), dr.ByteSink())

	// Now if we decorate:
	pl := bytesio.NewWriterProgressListener(io.Discard)
	dr.WithProgressListener(pl)
	out, err := dr.ByteSink().OpenStream()
	require.NoError(t, err)
	_, err = out.Write([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pl.Current)
	require.NoError(t, out.Close())
}

func TestUploadRequestProgressListener(t *testing.T) {
	src := bytesio.NewMemorySource([]byte("content"))
	ur := NewUploadRequest(path(t, "/foo"), src)
	assert.Equal(t, bytesio.Source(src), ur.ByteSource())

	pl := bytesio.NewWriterProgressListener(io.Discard)
	ur.WithProgressListener(pl)
	in, err := ur.ByteSource().OpenStream()
	require.NoError(t, err)
	_, err = io.ReadFull(in, make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pl.Current)
	require.NoError(t, in.Close())
}

func TestQuotaPercentUsed(t *testing.T) {
	assert.InDelta(t, 50.0, Quota{UsedBytes: 50, AllowedBytes: 100}.PercentUsed(), 0.001)
	assert.InDelta(t, -1.0, Quota{UsedBytes: -1, AllowedBytes: 100}.PercentUsed(), 0.001)
	assert.InDelta(t, -1.0, Quota{UsedBytes: 50, AllowedBytes: -1}.PercentUsed(), 0.001)
	assert.InDelta(t, -1.0, Quota{UsedBytes: 0, AllowedBytes: 0}.PercentUsed(), 0.001)
}

func TestBuilderUnknownProvider(t *testing.T) {
	_, err := NewBuilder("nosuchprovider")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	Register("fakeprov", func(b *Builder) (Provider, error) { return nil, nil })
	assert.Contains(t, Providers(), "fakeprov")

	b, err := NewBuilder("fakeprov")
	require.NoError(t, err)
	_, err = b.Build()
	assert.Error(t, err, "repositories are mandatory")
}
