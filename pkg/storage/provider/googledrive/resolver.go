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

package googledrive

import (
	"context"
	"net/url"
	"strings"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/cpath"
)

// remotePath is the resolution of a CPath into the chain of drive files
// along it. If the path exists remotely, len(filesChain) == len(segments);
// trailing missing files truncate the chain (it may even be empty).
//
// Examples, where a and b are folders and c.pdf is a blob:
//
//	/a/b/c.pdf   -> segments (a, b, c.pdf), chain (id_a, id_b, id_c)
//	                exists: true, lastIsBlob: true
//	/a/b/c.pdf/d -> segments (a, b, c.pdf, d), chain (id_a, id_b, id_c)
//	                exists: false, lastIsBlob: true (c.pdf shadows d)
//
// and in case c.pdf does not exist:
//
//	/a/b/c.pdf   -> segments (a, b, c.pdf), chain (id_a, id_b)
//	                exists: false, lastIsBlob: false
type remotePath struct {
	path       cpath.CPath
	segments   []string
	filesChain []driveItem
}

// exists reports whether the full path exists drive side.
func (r *remotePath) exists() bool {
	return len(r.filesChain) == len(r.segments)
}

// lastIsBlob reports whether the deepest resolved entry is a blob.
func (r *remotePath) lastIsBlob() bool {
	return len(r.filesChain) > 0 && !r.filesChain[len(r.filesChain)-1].isFolder()
}

// deepestFolderID returns the id of the deepest folder in the chain, or
// "root". If the path does not exist, this is the last existing folder id.
func (r *remotePath) deepestFolderID() string {
	if len(r.filesChain) == 0 {
		return "root"
	}
	last := r.filesChain[len(r.filesChain)-1]
	if last.isFolder() {
		return last.ID
	}
	// The last entry is a blob: return its parent id.
	if len(r.filesChain) == 1 {
		return "root"
	}
	return r.filesChain[len(r.filesChain)-2].ID
}

// firstSegmentsPath returns the CPath composed of the depth first segments.
func (r *remotePath) firstSegmentsPath(depth int) cpath.CPath {
	p, _ := cpath.New("/" + strings.Join(r.segments[:depth], "/"))
	return p
}

// lastCPath returns the path of the last existing file.
func (r *remotePath) lastCPath() cpath.CPath {
	return r.firstSegmentsPath(len(r.filesChain))
}

// escapeQuery escapes single quotes in drive query string literals.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// findRemotePath resolves the given path to gather ids and mime types.
//
// The drive API does not allow this natively; a single query returns all
// files whose title matches any path segment (it may return too much), and
// parent/child links are then connected to form the chain of ids. When the
// provider tolerates several files with the same title, the first matching
// branch in listing order is followed.
func (s *googleDriveStorage) findRemotePath(ctx context.Context, path cpath.CPath, detailed bool) (*remotePath, error) {
	log := appctx.GetLogger(ctx)

	if path.IsRoot() {
		return &remotePath{path: path}, nil
	}
	// Here the path has at least one segment.

	// Build the query (cf. https://developers.google.com/drive/web/search-parameters):
	segments := path.Split()
	var q strings.Builder
	q.WriteString("(")
	for i, segment := range segments {
		if i > 0 {
			q.WriteString(" or ")
		}
		q.WriteString("(title='")
		q.WriteString(escapeQuery(segment))
		q.WriteString("')")
	}
	q.WriteString(") and trashed = false")

	fieldsFilter := "id,title,mimeType,parents/id,parents/isRoot"
	if detailed {
		fieldsFilter += ",downloadUrl,modifiedDate,fileSize"
	}
	fieldsFilter = "nextPageToken,items(" + fieldsFilter + ")"

	// Drive may not return all results in a single query, and pagination
	// has been seen returning empty pages: keep iterating until no
	// nextPageToken is present.
	var items []driveItem
	nextPageToken := ""
	for {
		query := url.Values{
			"q":          {q.String()},
			"fields":     {fieldsFilter},
			"maxResults": {"100"},
		}
		if nextPageToken != "" {
			query.Set("pageToken", nextPageToken)
		}
		var page struct {
			Items         []driveItem `json:"items"`
			NextPageToken string      `json:"nextPageToken"`
		}
		err := s.getJSON(ctx, s.apiInvoker(nil), s.filesEndpoint()+"?"+query.Encode(), &page)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			log.Debug().Msg("findRemotePath: no more data for this query")
			break
		}
		nextPageToken = page.NextPageToken
		log.Debug().Int("pageItems", len(page.Items)).Msg("findRemotePath will loop")
	}

	// Now connect parents and children to build the path:
	var filesChain []driveItem
	for i, searchedSegment := range segments {
		firstSegment := i == 0 // changes the parent condition (isRoot, or no parent for shares)
		var next *driveItem
		for idx := range items {
			item := items[idx]
			if item.Title != searchedSegment {
				continue
			}
			if firstSegment {
				if len(item.Parents) == 0 { // no parents: shared file ?
					next = &items[idx]
					break
				}
				for _, p := range item.Parents {
					if p.IsRoot { // at least one parent is root
						next = &items[idx]
						break
					}
				}
			} else {
				for _, p := range item.Parents {
					if p.ID == filesChain[len(filesChain)-1].ID {
						next = &items[idx]
						break
					}
				}
			}
			if next != nil {
				break
			}
		}
		if next == nil {
			break
		}
		filesChain = append(filesChain, *next)
	}
	return &remotePath{path: path, segments: segments, filesChain: filesChain}, nil
}
