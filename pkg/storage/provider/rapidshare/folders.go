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

package rapidshare

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/storage"
)

// folderEntry is one line of the listrealfolders answer.
type folderEntry struct {
	id       int
	parentID int
	baseName string
}

// allFolders lists ALL user folders (not blobs): required to convert paths
// to ids back and forth.
func (s *rapidShareStorage) allFolders(ctx context.Context) ([]folderEntry, error) {
	text, err := s.apiCall(ctx, nil, url.Values{"sub": {"listrealfolders"}})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "NONE" {
		// Special case when no result should be returned:
		return nil, nil
	}
	var folders []folderEntry
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		// Lines are: id,parent id,name,... (ACLs not parsed)
		fields := strings.Split(strings.TrimRight(line, "\r"), ",")
		if len(fields) < 3 {
			return nil, errors.Errorf("rapidshare: not parsable folder line: %s", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrap(err, "rapidshare: not parsable folder id")
		}
		parentID, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrap(err, "rapidshare: not parsable folder parent id")
		}
		// Names come escaped: %2C etc. (% itself is always escaped as %25):
		baseName, err := url.PathUnescape(fields[2])
		if err != nil {
			return nil, errors.Wrap(err, "rapidshare: not unquotable folder name")
		}
		folders = append(folders, folderEntry{id: id, parentID: parentID, baseName: baseName})
	}
	return folders, nil
}

// folderTable maps folder pathnames to ids and back.
type folderTable struct {
	idByPath map[string]int
	pathByID map[int]string
}

// connectFolders links children to parents to compute full pathnames.
// rapidshare usually returns parents first so this is quick, but this is
// not guaranteed, so unresolved entries are looped over again.
func connectFolders(ctx context.Context, folders []folderEntry) *folderTable {
	table := &folderTable{
		idByPath: map[string]int{"": 0},
		pathByID: map[int]string{0: ""},
	}
	done := false
	changed := true
	for !done && changed {
		done = true
		changed = false
		for _, folder := range folders {
			if _, known := table.pathByID[folder.id]; known {
				continue
			}
			parentPath, known := table.pathByID[folder.parentID]
			if !known {
				done = false
				continue // no known parent yet, loop again
			}
			pathname := parentPath + "/" + folder.baseName
			table.idByPath[pathname] = folder.id
			table.pathByID[folder.id] = pathname
			changed = true
		}
	}
	if !done {
		appctx.GetLogger(ctx).Error().Msg("could not connect all folders by ids")
	}
	// Normalize the root path:
	delete(table.idByPath, "")
	table.idByPath["/"] = 0
	table.pathByID[0] = "/"
	return table
}

// blobsByParentID lists the blobs of the folder with the given id,
// optionally restricted to one file name.
func (s *rapidShareStorage) blobsByParentID(ctx context.Context, parentPath cpath.CPath, parentID int, searchFilter string) (map[cpath.CPath]*storage.File, error) {
	params := url.Values{
		"sub":        {"listfiles"},
		"realfolder": {strconv.Itoa(parentID)},
		"fields":     {"filename,size,type,uploadtime"},
	}
	if searchFilter != "" {
		params.Set("filename", searchFilter)
	}
	text, err := s.apiCall(ctx, &parentPath, params)
	if err != nil {
		return nil, err
	}
	ret := map[cpath.CPath]*storage.File{}
	if strings.TrimSpace(text) == "NONE" {
		// Special case when no result should be returned:
		return ret, nil
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), ",")
		if len(fields) < 5 {
			return nil, errors.Errorf("rapidshare: not parsable file line: %s", line)
		}
		id, baseName, sizeStr, uploadStr := fields[0], fields[1], fields[2], fields[4]
		path, err := parentPath.Add(baseName)
		if err != nil {
			return nil, errors.Wrap(err, "rapidshare: invalid file name in listing")
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			size = -1
		}
		blob := storage.NewBlob(path, size, "") // no content type
		blob.FileID = id
		if uploadTime, err := strconv.ParseInt(uploadStr, 10, 64); err == nil {
			blob.ModTime = time.Unix(uploadTime, 0).UTC()
		}
		ret[path] = blob
	}
	return ret, nil
}

// newStringBody rebuilds a response body from already-read text.
func newStringBody(text string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(text))
}
