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
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/storage"
)

// cmFolder is a node of the CloudMe folder tree, as returned by the
// getFolderXML action.
type cmFolder struct {
	id       string
	name     string
	parent   *cmFolder
	children map[string]*cmFolder
}

func newCMFolder(id, name string, parent *cmFolder) *cmFolder {
	return &cmFolder{id: id, name: name, parent: parent, children: map[string]*cmFolder{}}
}

func (f *cmFolder) addChild(id, name string) *cmFolder {
	child := newCMFolder(id, name, f)
	f.children[name] = child
	return child
}

func (f *cmFolder) childByName(name string) *cmFolder {
	return f.children[name]
}

// folderByPath walks down from this folder (which must be the root) and
// returns nil when the folder does not exist.
func (f *cmFolder) folderByPath(path cpath.CPath) *cmFolder {
	current := f
	for _, segment := range path.Split() {
		current = current.childByName(segment)
		if current == nil {
			return nil
		}
	}
	return current
}

func (f *cmFolder) path() cpath.CPath {
	if f.parent == nil {
		return cpath.Root()
	}
	segments := []string{}
	for current := f; current.parent != nil; current = current.parent {
		segments = append([]string{current.name}, segments...)
	}
	p, _ := cpath.New("/" + strings.Join(segments, "/"))
	return p
}

func (f *cmFolder) toFile() *storage.File {
	file := storage.NewFolder(f.path())
	file.FileID = f.id
	return file
}

// cmBlob is a document entry of a queryFolder response.
type cmBlob struct {
	folder      *cmFolder
	id          string
	name        string
	length      int64
	contentType string
	modTime     time.Time
}

// parseBlobEntry reads an atom entry: title, document id, updated date and
// the link element carrying type and length.
func parseBlobEntry(ctx context.Context, parent *cmFolder, entry *etree.Element) (*cmBlob, error) {
	title := findFirst(entry, "title")
	document := findFirst(entry, "document")
	link := findFirst(entry, "link")
	if title == nil || document == nil || link == nil {
		return nil, errors.New("cloudme: incomplete document entry in queryFolder response")
	}
	length, err := strconv.ParseInt(link.SelectAttrValue("length", ""), 10, 64)
	if err != nil {
		length = -1
	}
	blob := &cmBlob{
		folder:      parent,
		id:          document.Text(),
		name:        title.Text(),
		length:      length,
		contentType: link.SelectAttrValue("type", ""),
	}
	if updated := findFirst(entry, "updated"); updated != nil {
		blob.modTime = parseDateTime(ctx, updated.Text())
	}
	return blob, nil
}

// path returns the blob path: its parent folder path plus its name.
func (b *cmBlob) path() cpath.CPath {
	p, _ := b.folder.path().Add(b.name)
	return p
}

func (b *cmBlob) toFile() *storage.File {
	file := storage.NewBlob(b.path(), b.length, b.contentType)
	file.FileID = b.id
	file.ModTime = b.modTime
	return file
}

// localName strips any namespace prefix from a tag name.
func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// findFirst searches the subtree for the first element with the given
// local name (soap responses use varying namespace prefixes).
func findFirst(root *etree.Element, name string) *etree.Element {
	if root == nil {
		return nil
	}
	if localName(root.Tag) == name {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findFirst(child, name); found != nil {
			return found
		}
	}
	return nil
}

// findAll searches the subtree for all elements with the given local name.
func findAll(root *etree.Element, name string) []*etree.Element {
	if root == nil {
		return nil
	}
	var found []*etree.Element
	if localName(root.Tag) == name {
		found = append(found, root)
	}
	for _, child := range root.ChildElements() {
		found = append(found, findAll(child, name)...)
	}
	return found
}
