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

// Package request performs single http round trips and classifies their
// outcome into success, retriable failure or fatal failure.
//
// Validators are the only place where an http status is turned into an
// error: each provider supplies its own, since error conventions differ
// between providers.
package request

import (
	"context"
	"net/http"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
)

// Doer issues an http request; it is implemented by the session managers.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Validator checks a server response: it returns nil if the response is
// usable, an errtypes.Retriable if the request should be replayed, or a
// fatal error. The path, when set, is used to build NotFound errors.
type Validator func(resp *http.Response, path *cpath.CPath) error

// Invoker performs one http exchange and validates the response.
type Invoker struct {
	doer     Doer
	validate Validator
	path     *cpath.CPath
}

// NewInvoker binds a transport, a validation function and an optional path
// (used only to generate NotFound errors when a request fails).
func NewInvoker(doer Doer, validate Validator, path *cpath.CPath) *Invoker {
	return &Invoker{doer: doer, validate: validate, path: path}
}

// Do sends the request built by build and validates the response. A
// transport-level failure (socket, timeout, protocol error) is wrapped as
// retriable, except when the context has been canceled. On validation
// failure the response body is drained and closed; on success the caller
// owns the body.
//
// The request is rebuilt on every call so that a retried attempt gets a
// fresh body stream.
func (ri *Invoker) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	log := appctx.GetLogger(ctx)

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := ri.doer.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Str("url", errtypes.ShortenURL(req.URL.String())).Msg("request failed")
		return nil, errtypes.NewRetriable(err)
	}
	if err := ri.validate(resp, ri.path); err != nil {
		DiscardResponse(resp)
		return nil, err
	}
	return resp, nil
}

// ContentLength extracts the content length from response headers; ok is
// false when no Content-Length header is present.
func ContentLength(resp *http.Response) (length int64, ok bool) {
	if resp.ContentLength >= 0 {
		return resp.ContentLength, true
	}
	return 0, false
}

// ContentType extracts the content type from response headers (empty string
// if undefined).
func ContentType(resp *http.Response) string {
	return resp.Header.Get("Content-Type")
}
