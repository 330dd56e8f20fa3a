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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/httpclient"
)

type plainDoer struct {
	client *httpclient.Client
}

func (d plainDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(ctx))
}

func jsonValidator(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode >= 500 {
		return errtypes.NewRetriable(errtypes.FromResponse(resp, "", path))
	}
	if resp.StatusCode >= 300 {
		return errtypes.FromResponse(resp, "", path)
	}
	return EnsureContentTypeJSON(resp, true, path)
}

func TestInvokerClassification(t *testing.T) {
	responses := []func(w http.ResponseWriter){
		func(w http.ResponseWriter) { // transient html page
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>burp</html>")
		},
		func(w http.ResponseWriter) { // server error
			w.WriteHeader(http.StatusBadGateway)
		},
		func(w http.ResponseWriter) { // fatal client error
			w.WriteHeader(http.StatusBadRequest)
		},
		func(w http.ResponseWriter) { // success
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
		},
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responses[call](w)
		call++
	}))
	defer srv.Close()

	ri := NewInvoker(plainDoer{httpclient.New()}, jsonValidator, nil)
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/?token=secret", nil)
	}

	// Content type mismatch on an API endpoint is retriable:
	_, err := ri.Do(context.Background(), build)
	var re *errtypes.Retriable
	require.ErrorAs(t, err, &re)

	// 5xx is retriable:
	_, err = ri.Do(context.Background(), build)
	require.ErrorAs(t, err, &re)
	var he *errtypes.HTTP
	require.ErrorAs(t, re.Cause(), &he)
	assert.Equal(t, http.StatusBadGateway, he.StatusCode)
	// Query strings are stripped from error URLs:
	assert.NotContains(t, he.RequestURL, "secret")

	// 4xx is fatal:
	_, err = ri.Do(context.Background(), build)
	require.Error(t, err)
	assert.False(t, errors.As(err, &re), "4xx must not be retriable")
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.StatusCode)

	// Success hands the body to the caller:
	resp, err := ri.Do(context.Background(), build)
	require.NoError(t, err)
	DiscardResponse(resp)
}

func TestInvokerTransportErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // server is down

	ri := NewInvoker(plainDoer{httpclient.New()}, jsonValidator, nil)
	_, err := ri.Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	})
	var re *errtypes.Retriable
	require.ErrorAs(t, err, &re)
}

func TestInvoker401And404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path, err := cpath.New("/foo/bar")
	require.NoError(t, err)
	ri := NewInvoker(plainDoer{httpclient.New()}, jsonValidator, &path)

	_, err = ri.Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/auth", nil)
	})
	var ae *errtypes.Authentication
	require.ErrorAs(t, err, &ae)

	_, err = ri.Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/file", nil)
	})
	var nf *errtypes.NotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, path, nf.Path)
}

func TestDownloadToSink(t *testing.T) {
	data := []byte("downloaded bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	sink := bytesio.NewMemorySink()
	require.NoError(t, DownloadToSink(resp, sink))
	assert.Equal(t, data, sink.Bytes())
}

type failingSink struct {
	aborted bool
}

type failingStream struct {
	parent *failingSink
}

func (s *failingStream) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
func (s *failingStream) Close() error                { return nil }
func (s *failingStream) Abort()                      { s.parent.aborted = true }

func (s *failingSink) OpenStream() (bytesio.SinkStream, error) { return &failingStream{parent: s}, nil }
func (s *failingSink) SetExpectedLength(length int64)          {}

func TestDownloadToSinkAbortsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "some content")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	sink := &failingSink{}
	err = DownloadToSink(resp, sink)
	require.Error(t, err)
	assert.True(t, sink.aborted, "a failed copy must abort the sink stream")
}

func TestAbortedDownloadDeletesSinkFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Announce more bytes than are sent, then drop the connection:
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "short")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "downloaded.bin")
	sink := bytesio.NewFileSink(path, bytesio.DeleteOnAbort())
	err = DownloadToSink(resp, sink)
	require.Error(t, err)
	var re *errtypes.Retriable
	assert.ErrorAs(t, err, &re, "an interrupted body read must be retriable")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "delete-on-abort must leave no file on disk")
}
