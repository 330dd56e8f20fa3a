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

// Package errtypes contains definitions for the common storage errors.
// It would have been nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error
// variable and error is a reserved word :)
package errtypes

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/netheos/pcsapi/pkg/cpath"
)

// NotFound is the error to use when a remote file is missing, often derived
// from an http 404 answer.
type NotFound struct {
	Path    cpath.CPath
	Message string
}

func (e *NotFound) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("error: not found: %s (%s)", e.Path, e.Message)
	}
	return "error: not found: " + e.Path.String()
}

// IsNotFound is the method to check for w
func (e *NotFound) IsNotFound() {}

// InvalidType is the error to use when operating on a folder where a blob is
// expected, or on a blob where a folder is expected.
type InvalidType struct {
	Path         cpath.CPath
	ExpectedBlob bool
	Message      string
}

func (e *InvalidType) Error() string {
	if e.Message != "" {
		return e.Message
	}
	expected := "folder"
	if e.ExpectedBlob {
		expected = "blob"
	}
	return fmt.Sprintf("error: invalid file type at %s (expected %s)", e.Path, expected)
}

// IsInvalidType implements the IsInvalidType interface.
func (e *InvalidType) IsInvalidType() {}

// HTTP is the error to use when a provider server answers a non OK status.
type HTTP struct {
	Method     string
	RequestURL string
	StatusCode int
	Reason     string
	Message    string
}

func (e *HTTP) Error() string {
	ret := fmt.Sprintf("error: http (%d %s) %s %s", e.StatusCode, e.Reason, e.Method, e.RequestURL)
	if e.Message != "" {
		ret += " msg=" + e.Message
	}
	return ret
}

// IsHTTP implements the IsHTTP interface.
func (e *HTTP) IsHTTP() {}

// Authentication is the http 401 error.
type Authentication struct {
	HTTP
}

// IsAuthentication implements the IsAuthentication interface.
func (e *Authentication) IsAuthentication() {}

// Retriable is a marker wrapping another error, raised by response
// validation when a request has failed but should be retried. The underlying
// root error is given by Cause. The optional delay specifies how long one
// should wait before retrying.
type Retriable struct {
	cause    error
	delay    time.Duration
	hasDelay bool
}

// NewRetriable wraps cause as a retriable error without a delay hint.
func NewRetriable(cause error) *Retriable {
	return &Retriable{cause: cause}
}

// NewRetriableDelay wraps cause as a retriable error with an explicit delay
// before the next attempt.
func NewRetriableDelay(cause error, delay time.Duration) *Retriable {
	return &Retriable{cause: cause, delay: delay, hasDelay: true}
}

func (e *Retriable) Error() string {
	return "error: retriable: " + e.cause.Error()
}

// Cause returns the wrapped error.
func (e *Retriable) Cause() error { return e.cause }

// Unwrap makes the wrapper compatible with errors.Is and errors.As.
func (e *Retriable) Unwrap() error { return e.cause }

// Delay returns the explicit retry delay, if one was set.
func (e *Retriable) Delay() (time.Duration, bool) { return e.delay, e.hasDelay }

// IsNotFound is the interface to implement
// to specify that a remote file is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsInvalidType is the interface to implement
// to specify that a remote file has the wrong type.
type IsInvalidType interface {
	IsInvalidType()
}

// IsHTTP is the interface to implement
// to specify that the server answered a non OK status.
type IsHTTP interface {
	IsHTTP()
}

// IsAuthentication is the interface to implement
// to specify that credentials were rejected.
type IsAuthentication interface {
	IsAuthentication()
}

// ShortenURL removes query parameters from an URL, as these may contain
// sensitive information (tokens, passwords) that must not leak into errors
// or logs.
func ShortenURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// FromResponse handles the different status codes shared between providers
// and builds the matching error: Authentication for 401, NotFound for 404,
// a plain HTTP error otherwise. The request URL is shortened.
func FromResponse(resp *http.Response, message string, path *cpath.CPath) error {
	shortURL := ShortenURL(resp.Request.URL.String())
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &Authentication{HTTP: HTTP{
			Method:     resp.Request.Method,
			RequestURL: shortURL,
			StatusCode: resp.StatusCode,
			Reason:     resp.Status,
			Message:    message,
		}}
	case resp.StatusCode == http.StatusNotFound:
		var p cpath.CPath
		if path != nil {
			p = *path
		}
		return &NotFound{Path: p, Message: message}
	default:
		return &HTTP{
			Method:     resp.Request.Method,
			RequestURL: shortURL,
			StatusCode: resp.StatusCode,
			Reason:     resp.Status,
			Message:    message,
		}
	}
}
