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

// Package dropbox implements the dropbox v1 storage adapter.
//
// Dropbox is path-addressed. Uploads ignore content type and user metadata
// (the API has no place for them), and the adapter keeps the blob length
// reported by the server.
package dropbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/request"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

const providerName = "dropbox"

var oauth2Params = auth.OAuth2Params{
	AuthorizeURL: "https://api.dropbox.com/1/oauth2/authorize",
	TokenURL:     "https://api.dropbox.com/1/oauth2/token",
	// Dropbox does not support token refresh.
}

func init() {
	storage.Register(providerName, New)
}

type dropboxStorage struct {
	sessionManager *auth.OAuth2SessionManager
	retryStrategy  retry.Invoker
	// scope is "dropbox" or "sandbox", the root of all API paths.
	scope string

	endpoint        string
	contentEndpoint string
}

// New builds the dropbox provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, b.AppInfo, b.UserCredentialsRepo(), b.UserCredentials)
	if err != nil {
		return nil, err
	}
	if len(b.AppInfo.Scope) == 0 {
		return nil, errors.New("dropbox: application scope must define access level (dropbox or sandbox)")
	}
	return &dropboxStorage{
		sessionManager:  sm,
		retryStrategy:   b.Retry(),
		scope:           b.AppInfo.Scope[0],
		endpoint:        "https://api.dropbox.com/1",
		contentEndpoint: "https://api-content.dropbox.com/1",
	}, nil
}

func (s *dropboxStorage) Name() string {
	return providerName
}

// OAuth2SessionManager exposes the manager for the bootstrap workflow.
func (s *dropboxStorage) OAuth2SessionManager() *auth.OAuth2SessionManager {
	return s.sessionManager
}

// buildError tries to extract the server error message from the json body.
func (s *dropboxStorage) buildError(resp *http.Response, message string, path *cpath.CPath) error {
	ct := request.ContentType(resp)
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "text/javascript") {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(request.ReadErrorBody(resp), &body); err == nil && body.Error != "" {
			if message != "" {
				message += " (server said: " + body.Error + ")"
			} else {
				message = body.Error
			}
		}
	}
	return errtypes.FromResponse(resp, message, path)
}

// validateResponse checks the server code only (content type is ignored):
// used for file downloads. Requests are retriable on server errors 5xx,
// except 507: the user is over quota, no need to retry then.
func (s *dropboxStorage) validateResponse(resp *http.Response, path *cpath.CPath) error {
	switch {
	case resp.StatusCode == http.StatusInsufficientStorage:
		return s.buildError(resp, "Quota exceeded", path)
	case resp.StatusCode >= 500:
		return errtypes.NewRetriable(s.buildError(resp, "", path))
	case resp.StatusCode >= 300:
		return s.buildError(resp, "", path)
	}
	return nil
}

// validateAPIResponse additionally checks the content type is json; a
// mismatch retries, as dropbox sometimes answers transient html pages.
func (s *dropboxStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := s.validateResponse(resp, path); err != nil {
		return err
	}
	return request.EnsureContentTypeJSON(resp, true, path)
}

// basicInvoker does not check the response content type: for downloads.
func (s *dropboxStorage) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateResponse, path)
}

// apiInvoker checks the response content type is json: for all API requests.
func (s *dropboxStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

// apiURL url-encodes the file path and concatenates it to the API endpoint
// and method to get the full URL.
func (s *dropboxStorage) apiURL(methodPath string, path cpath.CPath) string {
	return s.endpoint + "/" + methodPath + "/" + s.scope + path.URLEncoded()
}

func (s *dropboxStorage) contentURL(methodPath string, path cpath.CPath) string {
	return s.contentEndpoint + "/" + methodPath + "/" + s.scope + path.URLEncoded()
}

// fileEntry is the dropbox metadata object.
type fileEntry struct {
	Path      string      `json:"path"`
	IsDir     bool        `json:"is_dir"`
	IsDeleted bool        `json:"is_deleted"`
	Bytes     int64       `json:"bytes"`
	MimeType  string      `json:"mime_type"`
	Modified  string      `json:"modified"`
	Contents  []fileEntry `json:"contents"`
	hasIsDir  bool
}

func (e *fileEntry) UnmarshalJSON(data []byte) error {
	type alias fileEntry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*e = fileEntry(a)
	_, e.hasIsDir = probe["is_dir"]
	return nil
}

func parseFile(ctx context.Context, entry fileEntry) (*storage.File, error) {
	path, err := cpath.New(entry.Path)
	if err != nil {
		return nil, errors.Wrap(err, "dropbox: invalid path in server response")
	}
	if entry.IsDir {
		return storage.NewFolder(path), nil
	}
	f := storage.NewBlob(path, entry.Bytes, entry.MimeType)
	f.ModTime = parseDateTime(ctx, entry.Modified)
	return f, nil
}

// parseDateTime parses dates like "Fri, 07 Mar 2014 17:47:55 +0000".
func parseDateTime(ctx context.Context, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse("Mon, 02 Jan 2006 15:04:05 -0700", value)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Str("value", value).Msg("not parsable dropbox date")
		return time.Time{}
	}
	return t.UTC()
}

func (s *dropboxStorage) accountInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	ri := s.apiInvoker(nil)
	var info map[string]json.RawMessage
	err := s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/account/info", nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, &info)
	})
	return info, err
}

// UserID returns the user email.
func (s *dropboxStorage) UserID(ctx context.Context) (string, error) {
	info, err := s.accountInfo(ctx)
	if err != nil {
		return "", err
	}
	var email string
	if err := json.Unmarshal(info["email"], &email); err != nil {
		return "", errors.Wrap(err, "dropbox: no email in account info")
	}
	return email, nil
}

// Quota counts shared files in used bytes.
func (s *dropboxStorage) Quota(ctx context.Context) (storage.Quota, error) {
	info, err := s.accountInfo(ctx)
	if err != nil {
		return storage.Quota{}, err
	}
	var quotaInfo struct {
		Shared int64 `json:"shared"`
		Normal int64 `json:"normal"`
		Quota  int64 `json:"quota"`
	}
	if err := json.Unmarshal(info["quota_info"], &quotaInfo); err != nil {
		return storage.Quota{}, errors.Wrap(err, "dropbox: no quota_info in account info")
	}
	return storage.Quota{UsedBytes: quotaInfo.Shared + quotaInfo.Normal, AllowedBytes: quotaInfo.Quota}, nil
}

func (s *dropboxStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

func (s *dropboxStorage) metadata(ctx context.Context, path cpath.CPath, list bool) (*fileEntry, error) {
	metadataURL := s.apiURL("metadata", path)
	if !list {
		metadataURL += "?list=false"
	}
	ri := s.apiInvoker(&path)
	var entry fileEntry
	err := s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *dropboxStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	entry, err := s.metadata(ctx, path, true)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			// Per contract, listing a non existing folder returns nil.
			return nil, nil
		}
		return nil, err
	}
	if entry.IsDeleted {
		// File is logically deleted.
		return nil, nil
	}
	if !entry.hasIsDir {
		return nil, errors.New("dropbox: no is_dir key in json metadata")
	}
	if !entry.IsDir {
		return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
	}
	ret := map[cpath.CPath]*storage.File{}
	for _, child := range entry.Contents {
		f, err := parseFile(ctx, child)
		if err != nil {
			return nil, err
		}
		ret[f.Path] = f
	}
	return ret, nil
}

// fileOps posts a fileops method (create_folder, delete) for the given path.
func (s *dropboxStorage) fileOps(ctx context.Context, method string, path cpath.CPath) error {
	opURL := s.endpoint + "/fileops/" + method
	form := url.Values{"root": {s.scope}, "path": {path.String()}}
	ri := s.apiInvoker(&path)
	return s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, opURL, strings.NewReader(form.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req, nil
		})
		if err != nil {
			return err
		}
		request.DiscardResponse(resp)
		return nil
	})
}

func (s *dropboxStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	err := s.fileOps(ctx, "create_folder", path)
	if err == nil {
		return true, nil
	}
	var he *errtypes.HTTP
	if errors.As(err, &he) && he.StatusCode == http.StatusForbidden {
		// The object already exists: check if it is a real folder or a blob.
		f, gerr := s.GetFile(ctx, path)
		if gerr != nil {
			return false, gerr
		}
		if f == nil || !f.IsFolder() {
			return false, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
		return false, nil
	}
	return false, err
}

func (s *dropboxStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("dropbox: can not delete root folder")
	}
	err := s.fileOps(ctx, "delete", path)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *dropboxStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	entry, err := s.metadata(ctx, path, false)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	if entry.IsDeleted {
		return nil, nil
	}
	return parseFile(ctx, *entry)
}

func (s *dropboxStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
	err := s.retryStrategy.Do(ctx, func() error {
		return s.doDownload(ctx, req)
	})
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			// Distinguish between "nothing exists at that path" and "a
			// folder exists at that path":
			f, gerr := s.GetFile(ctx, req.Path)
			if gerr != nil {
				return gerr
			}
			if f == nil { // nothing exists
				return err
			}
			if f.IsFolder() {
				return &errtypes.InvalidType{Path: f.Path, ExpectedBlob: true}
			}
			return errors.Errorf("dropbox: not downloadable file: %s", f)
		}
	}
	return err
}

// doDownload does not retry requests.
func (s *dropboxStorage) doDownload(ctx context.Context, dreq *storage.DownloadRequest) error {
	downloadURL := s.contentURL("files", dreq.Path)
	ri := s.basicInvoker(&dreq.Path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
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
	return request.DownloadToSink(resp, dreq.ByteSink())
}

func (s *dropboxStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	return s.retryStrategy.Do(ctx, func() error {
		return s.doUpload(ctx, req)
	})
}

// doUpload does not retry requests.
func (s *dropboxStorage) doUpload(ctx context.Context, ureq *storage.UploadRequest) error {
	// Check before upload: uploading a blob over a folder would work, but
	// would rename the uploaded file.
	f, err := s.GetFile(ctx, ureq.Path)
	if err != nil {
		return err
	}
	if f != nil && f.IsFolder() {
		return &errtypes.InvalidType{Path: f.Path, ExpectedBlob: true}
	}

	uploadURL := s.contentURL("files_put", ureq.Path)
	source := ureq.ByteSource()
	length, err := source.Length()
	if err != nil {
		return err
	}
	ri := s.basicInvoker(&ureq.Path)
	// Dropbox supports neither content type nor file meta information.
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		in, err := source.OpenStream()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, in)
		if err != nil {
			in.Close()
			return nil, err
		}
		req.ContentLength = length
		return req, nil
	})
	if err != nil {
		return err
	}
	request.DiscardResponse(resp)
	return nil
}

var _ storage.Provider = (*dropboxStorage)(nil)
