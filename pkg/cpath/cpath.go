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

// Package cpath implements immutable remote file pathnames.
//
// Path components are separated by a single slash. A path is always
// normalized so that it begins with a leading slash and never ends with a
// trailing slash, except for the root path "/". Backslash and all code
// points below U+0020 are forbidden, and no component may start or end
// with whitespace.
package cpath

import (
	"strings"

	"github.com/pkg/errors"
)

// CPath is an immutable, normalized remote pathname. The zero value is not
// valid; use New or Root. CPath is comparable and usable as a map key: two
// paths are equal iff their canonical strings are equal.
type CPath struct {
	pathname string
}

// Root returns the root path "/".
func Root() CPath {
	return CPath{pathname: "/"}
}

// New validates and normalizes the given pathname.
func New(pathname string) (CPath, error) {
	if err := check(pathname); err != nil {
		return CPath{}, err
	}
	return CPath{pathname: normalize(pathname)}, nil
}

// String returns the full canonical path.
func (p CPath) String() string {
	return p.pathname
}

// IsRoot reports whether this path is the root folder.
func (p CPath) IsRoot() bool {
	return p.pathname == "/"
}

// BaseName returns the last element of this path (empty string for root).
func (p CPath) BaseName() string {
	i := strings.LastIndex(p.pathname, "/")
	return p.pathname[i+1:]
}

// Parent returns the path of the parent folder (root stays root).
func (p CPath) Parent() CPath {
	i := strings.LastIndex(p.pathname, "/")
	return CPath{pathname: normalize(p.pathname[:i])}
}

// Add appends a path component (which may itself contain slashes) and
// returns the renormalized result.
func (p CPath) Add(basename string) (CPath, error) {
	return New(p.pathname + "/" + basename)
}

// Split returns the list of path segments (empty for root).
func (p CPath) Split() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(p.pathname[1:], "/")
}

// URLEncoded returns the path encoded for use in an URL path: each segment
// is UTF-8 percent-encoded with RFC 3986 unreserved characters kept, and
// separating slashes are not encoded.
func (p CPath) URLEncoded() string {
	var b strings.Builder
	for i := 0; i < len(p.pathname); i++ {
		c := p.pathname[i]
		if c == '/' || isUnreserved(c) {
			b.WriteByte(c)
		} else {
			const hexdigits = "0123456789ABCDEF"
			b.WriteByte('%')
			b.WriteByte(hexdigits[c>>4])
			b.WriteByte(hexdigits[c&0xf])
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' ||
		'a' <= c && c <= 'z' ||
		'0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func check(pathname string) error {
	for _, r := range pathname {
		if r < 0x20 || r == '\\' {
			return errors.Errorf("pathname contains invalid char %q: %q", r, pathname)
		}
	}
	for _, comp := range strings.Split(pathname, "/") {
		if strings.TrimSpace(comp) != comp {
			return errors.Errorf("pathname contains leading or trailing spaces: %q", pathname)
		}
	}
	return nil
}

// normalize folds runs of slashes and strips any trailing slash (the root
// path stays "/").
func normalize(pathname string) string {
	var b strings.Builder
	b.WriteByte('/')
	prevSlash := true
	for i := 0; i < len(pathname); i++ {
		c := pathname[i]
		if c == '/' {
			if !prevSlash {
				b.WriteByte('/')
			}
			prevSlash = true
			continue
		}
		prevSlash = false
		b.WriteByte(c)
	}
	s := b.String()
	if len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
