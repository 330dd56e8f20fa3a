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
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

func randomBytes(size int, seed int64) []byte {
	rnd := rand.New(rand.NewSource(seed))
	data := make([]byte, size)
	rnd.Read(data)
	return data
}

func TestUploadDownloadRoundTripWithOverwrite(t *testing.T) {
	f := &fakeSwift{objects: map[string]fakeObject{}}
	c, done := newTestClient(t, f)
	defer done()
	ctx := context.Background()
	blobPath := mustPath(t, "/tmp/T/blob")

	first := randomBytes(500000, 1)
	err := c.Upload(ctx, storage.NewUploadRequest(blobPath, bytesio.NewMemorySource(first)))
	require.NoError(t, err)

	file, err := c.GetFile(ctx, blobPath)
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, int64(500000), int64(len(f.objects["tmp/T/blob"].data)))

	// Overwrite with a different, smaller payload:
	second := randomBytes(300000, 2)
	err = c.Upload(ctx, storage.NewUploadRequest(blobPath, bytesio.NewMemorySource(second)))
	require.NoError(t, err)

	sink := bytesio.NewMemorySink()
	require.NoError(t, c.Download(ctx, storage.NewDownloadRequest(blobPath, sink)))
	assert.Equal(t, second, sink.Bytes())

	// Range downloads against the stored payload:
	for _, tc := range []struct {
		offset, length int64
		expected       []byte
	}{
		{1000, 2000, second[1000:3000]},
		{-1, 1000, second[len(second)-1000:]},
		{299000, -1, second[299000:]},
	} {
		sink := bytesio.NewMemorySink()
		req := storage.NewDownloadRequest(blobPath, sink).WithRange(tc.offset, tc.length)
		require.NoError(t, c.Download(ctx, req))
		assert.Equal(t, tc.expected, sink.Bytes())
	}

	// Recursive delete, then the folder no longer lists:
	deleted, err := c.Delete(ctx, mustPath(t, "/tmp/T"))
	require.NoError(t, err)
	assert.True(t, deleted)
	content, err := c.ListFolder(ctx, mustPath(t, "/tmp/T"))
	require.NoError(t, err)
	assert.Nil(t, content)
}

// flakyListener records progress resets across retried attempts.
type flakyListener struct {
	resets  int
	aborted int
	current int64
}

func (l *flakyListener) SetProgressTotal(total int64) {}
func (l *flakyListener) Progress(current int64) {
	if current == 0 {
		l.resets++
	}
	l.current = current
}
func (l *flakyListener) Aborted() { l.aborted++ }

func TestUploadRetriesResetProgress(t *testing.T) {
	var attempts atomic.Int32
	f := &fakeSwift{objects: map[string]fakeObject{}}
	inner := f.handler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && attempts.Add(1) <= 2 {
			// The first two upload attempts burp after consuming the body.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/acct", "secret-token", retry.NewStrategy(3, 0), false)
	c.UseContainer("default")

	data := randomBytes(4096, 3)
	pl := &flakyListener{}
	err := c.Upload(context.Background(),
		storage.NewUploadRequest(mustPath(t, "/blob.bin"), bytesio.NewMemorySource(data)).
			WithProgressListener(pl))
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, pl.resets, "each attempt restarts progress from 0")
	assert.Equal(t, data, f.objects["blob.bin"].data)
	assert.Equal(t, int64(len(data)), pl.current)
}
