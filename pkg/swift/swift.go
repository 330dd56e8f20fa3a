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

// Package swift implements a reusable Openstack Swift storage client, used
// by providers layered on Swift (hubiC). This is not a storage.Provider by
// itself: account and container do not appear in object paths; the account
// is part of the endpoint URL and the container must be selected with
// UseContainer or UseFirstContainer.
package swift

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/httpclient"
	"github.com/netheos/pcsapi/pkg/request"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

// ContentTypeDirectory marks zero-length objects used as directory markers,
// so that empty folders are visible.
const ContentTypeDirectory = "application/directory"

// Container describes a Swift container.
type Container struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

type objectInfo struct {
	Name         string `json:"name"`
	Bytes        int64  `json:"bytes"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
	Subdir       string `json:"subdir"`
}

// Client is an Openstack Swift client bound to one account endpoint and one
// auth token. The hubiC adapter recreates it when the token expires.
type Client struct {
	accountEndpoint      string
	authToken            string
	withDirectoryMarkers bool
	retry                retry.Invoker
	client               *httpclient.Client

	currentContainer string
}

// NewClient builds a Swift client. The retry invoker is retry.NoRetry when
// the caller runs its own retry loop (hubiC does).
func NewClient(accountEndpoint, authToken string, retryInvoker retry.Invoker, withDirectoryMarkers bool) *Client {
	return &Client{
		accountEndpoint:      accountEndpoint,
		authToken:            authToken,
		withDirectoryMarkers: withDirectoryMarkers,
		retry:                retryInvoker,
		client:               httpclient.New(),
	}
}

// Do sends the request with the auth token attached; Client is its own
// session manager.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("X-Auth-Token", c.authToken)
	return c.client.Do(req)
}

// validateResponse accepts 2xx answers; server errors plus some special
// statuses (498, 429, 408) are retriable.
func (c *Client) validateResponse(resp *http.Response, path *cpath.CPath) error {
	code := resp.StatusCode
	if code < 300 {
		return nil
	}
	err := errtypes.FromResponse(resp, "", path)
	if code >= 500 || code == 498 || code == 429 || code == http.StatusRequestTimeout {
		return errtypes.NewRetriable(err)
	}
	return err
}

// validateAPIResponse additionally checks a non-empty payload is json.
func (c *Client) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := c.validateResponse(resp, path); err != nil {
		return err
	}
	if cl, ok := request.ContentLength(resp); ok && cl > 0 {
		return request.EnsureContentTypeJSON(resp, true, path)
	}
	return nil
}

func (c *Client) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(c, c.validateResponse, path)
}

func (c *Client) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(c, c.validateAPIResponse, path)
}

// Containers lists the account containers.
func (c *Client) Containers(ctx context.Context) ([]Container, error) {
	ri := c.apiInvoker(nil)
	var containers []Container
	err := c.retry.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.accountEndpoint+"?format=json", nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, &containers)
	})
	if err != nil {
		return nil, err
	}
	return containers, nil
}

// UseContainer selects the current container.
func (c *Client) UseContainer(container string) {
	c.currentContainer = container
}

// UseFirstContainer selects the first container of the account and returns
// its name.
func (c *Client) UseFirstContainer(ctx context.Context) (string, error) {
	containers, err := c.Containers(ctx)
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", errors.Errorf("swift: account %s has no container ?!", c.accountEndpoint)
	}
	if len(containers) > 1 {
		appctx.GetLogger(ctx).Warn().
			Int("containers", len(containers)).
			Str("chosen", containers[0].Name).
			Msg("account has several containers: choosing first one as current")
	}
	c.UseContainer(containers[0].Name)
	return c.currentContainer, nil
}

func (c *Client) containerURL() (string, error) {
	if c.currentContainer == "" {
		return "", errors.Errorf("swift: undefined current container for account %s", c.accountEndpoint)
	}
	return c.accountEndpoint + "/" + c.currentContainer, nil
}

// objectURL percent-encodes the object path and concatenates it to the
// current container URL.
func (c *Client) objectURL(path cpath.CPath) (string, error) {
	containerURL, err := c.containerURL()
	if err != nil {
		return "", err
	}
	return containerURL + path.URLEncoded(), nil
}

// headOrNil performs a quick HEAD request on the given object to check
// existence and type; it returns nil headers if no object exists there.
func (c *Client) headOrNil(ctx context.Context, path cpath.CPath) (http.Header, error) {
	objectURL, err := c.objectURL(path)
	if err != nil {
		return nil, err
	}
	ri := c.basicInvoker(&path)
	var headers http.Header
	err = c.retry.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodHead, objectURL, nil)
		})
		if err != nil {
			return err
		}
		request.DiscardResponse(resp)
		headers = resp.Header
		return nil
	})
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return headers, nil
}

// GetFile inquires details about the object at the given path; it returns
// nil when no object exists there.
func (c *Client) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	headers, err := c.headOrNil(ctx, path)
	if err != nil || headers == nil {
		return nil, err
	}
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		appctx.GetLogger(ctx).Warn().Stringer("path", path).Msg("object has no content type ?!")
		return nil, nil
	}
	var f *storage.File
	if contentType != ContentTypeDirectory {
		var length int64 = -1
		if cl, err := strconv.ParseInt(headers.Get("Content-Length"), 10, 64); err == nil {
			length = cl
		}
		f = storage.NewBlob(path, length, contentType)
	} else {
		f = storage.NewFolder(path)
	}
	f.ModTime = parseXTimestamp(ctx, headers)
	f.Metadata = parseXMetaHeaders(ctx, headers)
	return f, nil
}

// listObjectsWithinFolder lists the objects below path; with delimiter "/"
// only direct children (and subdir markers) are returned.
func (c *Client) listObjectsWithinFolder(ctx context.Context, path cpath.CPath, delimiter string) ([]objectInfo, error) {
	containerURL, err := c.containerURL()
	if err != nil {
		return nil, err
	}
	// The prefix must not start with a slash, but must end with one:
	// "/path/to/folder" -> "path/to/folder/".
	prefix := ""
	if !path.IsRoot() {
		prefix = path.String()[1:] + "/"
	}
	query := url.Values{"format": {"json"}, "prefix": {prefix}}
	if delimiter != "" {
		query.Set("delimiter", delimiter)
	}
	listURL := containerURL + "?" + query.Encode()

	ri := c.apiInvoker(&path)
	var objects []objectInfo
	err = c.retry.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, &objects)
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// ListFolder returns the folder content as a map keyed by path.
func (c *Client) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	objects, err := c.listObjectsWithinFolder(ctx, path, "/")
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		// An empty list can be caused by a really empty folder, a non
		// existing folder, or a blob; distinguish the different cases:
		f, err := c.GetFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if f == nil { // nothing at that path
			return nil, nil
		}
		if f.IsBlob() {
			return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
	}
	ret := map[cpath.CPath]*storage.File{}
	for _, obj := range objects {
		var (
			f        *storage.File
			detailed bool
		)
		if obj.Subdir != "" {
			// A non empty sub directory. Two cases: the provider uses
			// directory markers or not. If yes, another entry exists in the
			// listing with detailed information; if not, this entry is the
			// only trace of the sub folder, so keep it unless a detailed
			// entry is already present.
			p, err := cpath.New(obj.Subdir)
			if err != nil {
				return nil, errors.Wrap(err, "swift: invalid subdir name in listing")
			}
			f = storage.NewFolder(p)
		} else {
			detailed = true
			p, err := cpath.New(obj.Name)
			if err != nil {
				return nil, errors.Wrap(err, "swift: invalid object name in listing")
			}
			if obj.ContentType != ContentTypeDirectory {
				f = storage.NewBlob(p, obj.Bytes, obj.ContentType)
			} else {
				f = storage.NewFolder(p)
			}
			f.ModTime = parseLastModified(ctx, obj.LastModified)
		}
		if _, exists := ret[f.Path]; detailed || !exists {
			ret[f.Path] = f
		}
	}
	return ret, nil
}

// rawCreateFolder creates a directory marker without creating any higher
// level intermediate folders.
func (c *Client) rawCreateFolder(ctx context.Context, path cpath.CPath) error {
	objectURL, err := c.objectURL(path)
	if err != nil {
		return err
	}
	ri := c.apiInvoker(&path)
	return c.retry.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", ContentTypeDirectory)
			return req, nil
		})
		if err != nil {
			return err
		}
		request.DiscardResponse(resp)
		return nil
	})
}

// CreateIntermediaryFolders creates any missing parent folder markers, to
// meet the old swift convention: hubiC requires these objects for the
// sub-objects to be visible in its web application. If folder a/b/c exists
// then a/ and a/b/ are considered existing and are not checked nor created.
func (c *Client) CreateIntermediaryFolders(ctx context.Context, leafFolderPath cpath.CPath) error {
	log := appctx.GetLogger(ctx)
	// The leaf folder is likely to already exist, so existence is checked
	// from the leaf up to the root:
	path := leafFolderPath
	var missing []cpath.CPath
	for !path.IsRoot() { // deepest first
		f, err := c.GetFile(ctx, path)
		if err != nil {
			return err
		}
		if f != nil {
			if f.IsBlob() {
				// Clash between folder and blob.
				return &errtypes.InvalidType{Path: f.Path, ExpectedBlob: false}
			}
			break
		}
		log.Debug().Stringer("path", path).Msg("nothing exists at path, will go up")
		missing = append([]cpath.CPath{path}, missing...)
		path = path.Parent()
	}
	if len(missing) > 0 {
		log.Debug().Int("count", len(missing)).Msg("missing parent folders will be created")
		for _, p := range missing {
			if err := c.rawCreateFolder(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateFolder creates a folder marker (with intermediate markers when the
// client is configured for them); it returns false when the folder already
// exists.
func (c *Client) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	f, err := c.GetFile(ctx, path)
	if err != nil {
		return false, err
	}
	if f != nil {
		if f.IsFolder() {
			return false, nil // folder already exists
		}
		return false, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
	}
	if c.withDirectoryMarkers {
		if err := c.CreateIntermediaryFolders(ctx, path.Parent()); err != nil {
			return false, err
		}
	}
	if err := c.rawCreateFolder(ctx, path); err != nil {
		return false, err
	}
	return true, nil
}

// Delete deletes the object at the given path; folders are deleted
// recursively. This is a lengthy operation as all sub-objects are deleted
// one by one, starting with the deepest ones so that an interruption leaves
// no orphans without parent markers.
func (c *Client) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("swift: can not delete root folder")
	}
	// Sub-objects are requested without delimiter so all descendants are
	// returned (an empty list if path is a blob).
	objects, err := c.listObjectsWithinFolder(ctx, path, "")
	if err != nil {
		return false, err
	}
	pathnames := make([]string, 0, len(objects)+1)
	for _, obj := range objects {
		pathnames = append(pathnames, "/"+obj.Name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(pathnames)))
	// The top-level folder (or blob) itself is deleted last:
	pathnames = append(pathnames, path.String())

	atLeastOneDelete := false
	for _, pathname := range pathnames {
		current, err := cpath.New(pathname)
		if err != nil {
			return atLeastOneDelete, errors.Wrap(err, "swift: invalid object name in listing")
		}
		objectURL, err := c.objectURL(current)
		if err != nil {
			return atLeastOneDelete, err
		}
		ri := c.apiInvoker(&current)
		err = c.retry.Do(ctx, func() error {
			resp, err := ri.Do(ctx, func() (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodDelete, objectURL, nil)
			})
			if err != nil {
				return err
			}
			request.DiscardResponse(resp)
			return nil
		})
		if err != nil {
			var nf *errtypes.NotFound
			if errors.As(err, &nf) {
				continue
			}
			return atLeastOneDelete, err
		}
		atLeastOneDelete = true
	}
	return atLeastOneDelete, nil
}

// Download streams the object into the request sink. Downloading a folder
// marker is an error.
func (c *Client) Download(ctx context.Context, req *storage.DownloadRequest) error {
	return c.retry.Do(ctx, func() error {
		return c.doDownload(ctx, req)
	})
}

// doDownload does not retry requests.
func (c *Client) doDownload(ctx context.Context, dreq *storage.DownloadRequest) error {
	objectURL, err := c.objectURL(dreq.Path)
	if err != nil {
		return err
	}
	ri := c.basicInvoker(&dreq.Path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range dreq.HTTPHeaders() {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if request.ContentType(resp) == ContentTypeDirectory {
		request.DiscardResponse(resp)
		return &errtypes.InvalidType{Path: dreq.Path, ExpectedBlob: true}
	}
	return request.DownloadToSink(resp, dreq.ByteSink())
}

// Upload stores the request byte source as an object. Uploading over a
// folder marker is an error (the blob would hide all folder sub-files).
func (c *Client) Upload(ctx context.Context, req *storage.UploadRequest) error {
	return c.retry.Do(ctx, func() error {
		return c.doUpload(ctx, req)
	})
}

// doUpload does not retry requests.
func (c *Client) doUpload(ctx context.Context, ureq *storage.UploadRequest) error {
	f, err := c.GetFile(ctx, ureq.Path)
	if err != nil {
		return err
	}
	if f != nil && f.IsFolder() {
		return &errtypes.InvalidType{Path: f.Path, ExpectedBlob: true}
	}
	if c.withDirectoryMarkers {
		if err := c.CreateIntermediaryFolders(ctx, ureq.Path.Parent()); err != nil {
			return err
		}
	}
	objectURL, err := c.objectURL(ureq.Path)
	if err != nil {
		return err
	}
	source := ureq.ByteSource()
	length, err := source.Length()
	if err != nil {
		return err
	}
	ri := c.basicInvoker(&ureq.Path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		in, err := source.OpenStream()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, in)
		if err != nil {
			in.Close()
			return nil, err
		}
		req.ContentLength = length
		if ureq.ContentType != "" {
			req.Header.Set("Content-Type", ureq.ContentType)
		}
		addMetadataHeaders(req.Header, ureq.Metadata)
		return req, nil
	})
	if err != nil {
		return err
	}
	request.DiscardResponse(resp)
	return nil
}
