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

// Package onedrive implements the OneDrive v1 storage adapter, addressed by
// path with ":/content" style URLs.
//
// Adapter notes: some characters are forbidden in file names by the
// provider; upload content type is ignored (OneDrive derives it); suffix
// byte ranges ("last N bytes") are rejected by the download endpoint, so
// the functional test matrix skips them.
// See https://github.com/OneDrive/onedrive-api-docs for API reference.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
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

const providerName = "onedrive"

var oauth2Params = auth.OAuth2Params{
	AuthorizeURL:         "https://login.live.com/oauth20_authorize.srf",
	TokenURL:             "https://login.live.com/oauth20_token.srf",
	RefreshURL:           "https://login.live.com/oauth20_token.srf",
	ScopeInAuthorization: true,
	ScopePermsSeparator:  " ",
}

func init() {
	storage.Register(providerName, New)
}

type oneDriveStorage struct {
	sessionManager *auth.OAuth2SessionManager
	retryStrategy  retry.Invoker

	endpoint string
	// meEndpoint retrieves the user email (the user id for the credentials
	// repository); it lives on another host than the drive API.
	meEndpoint string
}

// New builds the onedrive provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, b.AppInfo, b.UserCredentialsRepo(), b.UserCredentials)
	if err != nil {
		return nil, err
	}
	return &oneDriveStorage{
		sessionManager: sm,
		retryStrategy:  b.Retry(),
		endpoint:       "https://api.onedrive.com/v1.0",
		meEndpoint:     "https://apis.live.net/v5.0/me",
	}, nil
}

func (s *oneDriveStorage) Name() string {
	return providerName
}

// OAuth2SessionManager exposes the manager for the bootstrap workflow.
func (s *oneDriveStorage) OAuth2SessionManager() *auth.OAuth2SessionManager {
	return s.sessionManager
}

// buildError extracts code and message from the json error payload.
// OneDrive announces retriable failures with 429 and most 5xx statuses
// (501 and 507 are not worth retrying).
func (s *oneDriveStorage) buildError(resp *http.Response, path *cpath.CPath) error {
	message := ""
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(request.ReadErrorBody(resp), &body); err == nil && body.Error.Code != "" {
		message = body.Error.Code + " (" + body.Error.Message + ")"
	}
	err := errtypes.FromResponse(resp, message, path)
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode >= 500 &&
			resp.StatusCode != http.StatusNotImplemented &&
			resp.StatusCode != http.StatusInsufficientStorage) {
		return errtypes.NewRetriable(err)
	}
	return err
}

func (s *oneDriveStorage) validateResponse(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode >= 300 {
		return s.buildError(resp, path)
	}
	return nil
}

func (s *oneDriveStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := s.validateResponse(resp, path); err != nil {
		return err
	}
	if cl, ok := request.ContentLength(resp); ok && cl > 0 {
		return request.EnsureContentTypeJSON(resp, true, path)
	}
	return nil
}

func (s *oneDriveStorage) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateResponse, path)
}

func (s *oneDriveStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

// fileURL addresses an item by path: <endpoint>/drive/root:<url-encoded path>.
func (s *oneDriveStorage) fileURL(path cpath.CPath) string {
	return s.endpoint + "/drive/root:" + path.URLEncoded()
}

// item is a OneDrive drive item. The facet keys (folder, file, photo, ...)
// discriminate item kinds.
type item struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Size                 int64           `json:"size"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	Folder               json.RawMessage `json:"folder"`
	Album                json.RawMessage `json:"album"`
}

func (i *item) isFolder() bool {
	return i.Folder != nil || i.Album != nil
}

func (s *oneDriveStorage) parseItem(ctx context.Context, path cpath.CPath, it item) *storage.File {
	var f *storage.File
	if it.isFolder() {
		f = storage.NewFolder(path)
	} else {
		// OneDrive has no content type.
		f = storage.NewBlob(path, it.Size, "")
	}
	f.FileID = it.ID
	if it.LastModifiedDateTime != "" {
		t, err := time.Parse(time.RFC3339, it.LastModifiedDateTime)
		if err != nil {
			appctx.GetLogger(ctx).Warn().Str("value", it.LastModifiedDateTime).Msg("not parsable onedrive date")
		} else {
			f.ModTime = t.UTC()
		}
	}
	return f
}

func (s *oneDriveStorage) getJSON(ctx context.Context, ri *request.Invoker, url string, v any) error {
	return s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, v)
	})
}

// UserID returns the user email.
func (s *oneDriveStorage) UserID(ctx context.Context) (string, error) {
	var me struct {
		Emails struct {
			Account string `json:"account"`
		} `json:"emails"`
	}
	if err := s.getJSON(ctx, s.apiInvoker(nil), s.meEndpoint, &me); err != nil {
		return "", err
	}
	return me.Emails.Account, nil
}

func (s *oneDriveStorage) Quota(ctx context.Context) (storage.Quota, error) {
	var drive struct {
		Quota struct {
			Total int64 `json:"total"`
			Used  int64 `json:"used"`
		} `json:"quota"`
	}
	if err := s.getJSON(ctx, s.apiInvoker(nil), s.endpoint+"/drive", &drive); err != nil {
		return storage.Quota{}, err
	}
	return storage.Quota{UsedBytes: drive.Quota.Used, AllowedBytes: drive.Quota.Total}, nil
}

func (s *oneDriveStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

func (s *oneDriveStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	var content struct {
		Value []item `json:"value"`
	}
	err := s.getJSON(ctx, s.apiInvoker(&path), s.fileURL(path)+":/children", &content)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			// Folder does not exist.
			return nil, nil
		}
		return nil, err
	}
	ret := map[cpath.CPath]*storage.File{}
	for _, it := range content.Value {
		childPath, err := path.Add(it.Name)
		if err != nil {
			return nil, errors.Wrap(err, "onedrive: invalid item name in server response")
		}
		ret[childPath] = s.parseItem(ctx, childPath, it)
	}
	if len(ret) == 0 {
		// An empty listing may be a blob; check it was actually a folder:
		f, err := s.GetFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		if f.IsBlob() {
			return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
	}
	return ret, nil
}

// raiseIfBlobInPath climbs up the path hierarchy until it reaches a blob,
// then fails with that blob path. If root is reached without any blob, it
// returns nil.
func (s *oneDriveStorage) raiseIfBlobInPath(ctx context.Context, path cpath.CPath) error {
	for !path.IsRoot() {
		f, err := s.GetFile(ctx, path)
		if err != nil {
			return err
		}
		if f != nil && f.IsBlob() {
			return &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
		path = path.Parent()
	}
	return nil
}

func (s *oneDriveStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, nil // the root folder is never created
	}
	// Missing intermediate folders are created by the endpoint.
	createURL := s.fileURL(path.Parent()) + ":/children"
	body, err := json.Marshal(map[string]any{"name": path.BaseName(), "folder": map[string]any{}})
	if err != nil {
		return false, errors.Wrap(err, "onedrive: cannot serialize folder creation")
	}
	ri := s.apiInvoker(&path)
	err = s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return err
		}
		request.DiscardResponse(resp)
		return nil
	})
	if err == nil {
		return true, nil
	}
	var he *errtypes.HTTP
	if errors.As(err, &he) {
		if he.StatusCode == http.StatusConflict && strings.HasPrefix(he.Message, "nameAlreadyExists") {
			// A file already exists; it still has to be a folder:
			f, gerr := s.GetFile(ctx, path)
			if gerr != nil {
				return false, gerr
			}
			if f == nil || !f.IsFolder() {
				return false, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
			}
			return false, nil
		}
		if he.StatusCode == http.StatusForbidden {
			// Most likely a blob exists along the path:
			if berr := s.raiseIfBlobInPath(ctx, path); berr != nil {
				return false, berr
			}
		}
	}
	return false, err
}

func (s *oneDriveStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("onedrive: can not delete root folder")
	}
	deleteURL := s.fileURL(path)
	ri := s.apiInvoker(&path)
	err := s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
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
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *oneDriveStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	var it item
	err := s.getJSON(ctx, s.apiInvoker(&path), s.fileURL(path), &it)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return s.parseItem(ctx, path, it), nil
}

func (s *oneDriveStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
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
			if f == nil {
				return err
			}
			if f.IsFolder() {
				return &errtypes.InvalidType{Path: f.Path, ExpectedBlob: true}
			}
			return errors.Errorf("onedrive: not downloadable file: %s", f)
		}
	}
	return err
}

// doDownload does not retry requests.
func (s *oneDriveStorage) doDownload(ctx context.Context, dreq *storage.DownloadRequest) error {
	downloadURL := s.fileURL(dreq.Path) + ":/content"
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

func (s *oneDriveStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	// Parent folders are created first (the content endpoint does not).
	if _, err := s.CreateFolder(ctx, req.Path.Parent()); err != nil {
		return err
	}
	err := s.retryStrategy.Do(ctx, func() error {
		return s.doUpload(ctx, req)
	})
	if err != nil {
		var he *errtypes.HTTP
		if errors.As(err, &he) {
			if he.StatusCode == http.StatusConflict && strings.HasPrefix(he.Message, "nameAlreadyExists") {
				// A file already exists; most likely a folder:
				f, gerr := s.GetFile(ctx, req.Path)
				if gerr != nil {
					return gerr
				}
				if f != nil && f.IsFolder() {
					return &errtypes.InvalidType{Path: req.Path, ExpectedBlob: true}
				}
			}
			if he.StatusCode == http.StatusForbidden {
				// Happens when a blob is used as a folder along the path:
				if berr := s.raiseIfBlobInPath(ctx, req.Path); berr != nil {
					return berr
				}
			}
		}
	}
	return err
}

// doUpload does not retry requests. Simple upload only (the API bounds it
// to 100MB); content type and metadata are not supported by the endpoint.
func (s *oneDriveStorage) doUpload(ctx context.Context, ureq *storage.UploadRequest) error {
	uploadURL := s.fileURL(ureq.Path) + ":/content"
	source := ureq.ByteSource()
	length, err := source.Length()
	if err != nil {
		return err
	}
	ri := s.apiInvoker(&ureq.Path)
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

var _ storage.Provider = (*oneDriveStorage)(nil)
