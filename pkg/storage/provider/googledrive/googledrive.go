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

// Package googledrive implements the Google Drive v2 storage adapter.
//
// Drive is identifier-addressed: paths are resolved by walking the remote
// tree by name. The OAuth2 refresh token is returned by the endpoint only
// if the user approves offline access, hence the access_type and
// approval_prompt query parameters in the authorize URL. Beware that old
// refresh tokens may be invalidated by such requests though, see
// https://developers.google.com/accounts/docs/OAuth2
//
// Adapter notes: when several children share a name the resolver follows
// the first matching branch in listing order; google native docs appear as
// blobs with length -1 and are not downloadable.
package googledrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
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

const (
	providerName = "googledrive"

	mimeTypeDirectory = "application/vnd.google-apps.folder"
	mimeTypeAppsFile  = "application/vnd.google-apps."
)

var oauth2Params = auth.OAuth2Params{
	AuthorizeURL:         "https://accounts.google.com/o/oauth2/auth?access_type=offline&approval_prompt=force",
	TokenURL:             "https://accounts.google.com/o/oauth2/token",
	RefreshURL:           "https://accounts.google.com/o/oauth2/token",
	ScopeInAuthorization: true,
	ScopePermsSeparator:  " ",
}

func init() {
	storage.Register(providerName, New)
}

type googleDriveStorage struct {
	sessionManager *auth.OAuth2SessionManager
	retryStrategy  retry.Invoker

	endpoint         string
	uploadEndpoint   string
	userinfoEndpoint string
}

// New builds the googledrive provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := auth.NewOAuth2SessionManager(oauth2Params, b.AppInfo, b.UserCredentialsRepo(), b.UserCredentials)
	if err != nil {
		return nil, err
	}
	return &googleDriveStorage{
		sessionManager:   sm,
		retryStrategy:    b.Retry(),
		endpoint:         "https://www.googleapis.com/drive/v2",
		uploadEndpoint:   "https://www.googleapis.com/upload/drive/v2/files",
		userinfoEndpoint: "https://www.googleapis.com/oauth2/v1/userinfo",
	}, nil
}

func (s *googleDriveStorage) Name() string {
	return providerName
}

// OAuth2SessionManager exposes the manager for the bootstrap workflow.
func (s *googleDriveStorage) OAuth2SessionManager() *auth.OAuth2SessionManager {
	return s.sessionManager
}

func (s *googleDriveStorage) filesEndpoint() string {
	return s.endpoint + "/files"
}

// buildError extracts "[code/reason] message" from the json error payload.
func (s *googleDriveStorage) buildError(resp *http.Response, path *cpath.CPath) error {
	message := ""
	ct := request.ContentType(resp)
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "text/javascript") {
		var body struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Errors  []struct {
					Reason string `json:"reason"`
				} `json:"errors"`
			} `json:"error"`
		}
		if err := json.Unmarshal(request.ReadErrorBody(resp), &body); err == nil && body.Error.Code != 0 {
			reason := ""
			if len(body.Error.Errors) > 0 {
				reason = body.Error.Errors[0].Reason
			}
			message = "[" + strconv.Itoa(body.Error.Code) + "/" + reason + "] " + body.Error.Message
			if body.Error.Code == http.StatusForbidden && reason == "userAccess" && path != nil {
				// Permission error: indicating the failing path helps.
				message += " (" + path.String() + ")"
			}
		}
	}
	return errtypes.FromResponse(resp, message, path)
}

// validateResponse checks the server code only: requests are retriable on
// server errors 5xx and on 403 rate limit answers.
func (s *googleDriveStorage) validateResponse(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode < 300 {
		return nil
	}
	err := s.buildError(resp, path)
	if resp.StatusCode >= 500 {
		return errtypes.NewRetriable(err)
	}
	if resp.StatusCode == http.StatusForbidden {
		var he *errtypes.HTTP
		if errors.As(err, &he) &&
			(strings.HasPrefix(he.Message, "[403/rateLimitExceeded]") ||
				strings.HasPrefix(he.Message, "[403/userRateLimitExceeded]")) {
			return errtypes.NewRetriable(err)
		}
	}
	return err
}

func (s *googleDriveStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := s.validateResponse(resp, path); err != nil {
		return err
	}
	return request.EnsureContentTypeJSON(resp, true, path)
}

func (s *googleDriveStorage) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateResponse, path)
}

func (s *googleDriveStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

// withTokenRefresh refreshes the access token once if a request fails with
// an authentication error. As token expiration dates are checked before
// requests this should not occur, but in practice it has been seen
// (sometimes valid access tokens are rejected by google).
func (s *googleDriveStorage) withTokenRefresh(ctx context.Context, fn func() error) func() error {
	alreadyRefreshed := false
	return func() error {
		err := fn()
		var ae *errtypes.Authentication
		if err != nil && errors.As(err, &ae) && !alreadyRefreshed {
			log := appctx.GetLogger(ctx)
			log.Warn().Err(err).Msg("got an unexpected authentication error: will refresh access_token")
			if rerr := s.sessionManager.RefreshToken(ctx); rerr != nil {
				return rerr
			}
			alreadyRefreshed = true
			return errtypes.NewRetriableDelay(ae, 0)
		}
		return err
	}
}

func (s *googleDriveStorage) do(ctx context.Context, fn func() error) error {
	return s.retryStrategy.Do(ctx, s.withTokenRefresh(ctx, fn))
}

// driveItem is a file resource of the v2 API (only the fields we request).
type driveItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	MimeType string `json:"mimeType"`
	Parents  []struct {
		ID     string `json:"id"`
		IsRoot bool   `json:"isRoot"`
	} `json:"parents"`
	DownloadURL  string `json:"downloadUrl"`
	ModifiedDate string `json:"modifiedDate"`
	// The v2 API serializes sizes as json strings.
	FileSize string `json:"fileSize"`
}

func (i driveItem) isFolder() bool {
	return i.MimeType == mimeTypeDirectory
}

// length returns the blob size, or -1: google apps files (documents,
// spreadsheets, ...) do not publish any size as they can only be exported.
func (i driveItem) length() int64 {
	n, err := strconv.ParseInt(i.FileSize, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (s *googleDriveStorage) parseFile(ctx context.Context, parent cpath.CPath, it driveItem) (*storage.File, error) {
	path, err := parent.Add(it.Title)
	if err != nil {
		return nil, errors.Wrap(err, "googledrive: invalid title in server response")
	}
	var f *storage.File
	if it.isFolder() {
		f = storage.NewFolder(path)
	} else {
		f = storage.NewBlob(path, it.length(), it.MimeType)
	}
	f.FileID = it.ID
	if it.ModifiedDate != "" {
		t, err := time.Parse(time.RFC3339Nano, it.ModifiedDate)
		if err != nil {
			appctx.GetLogger(ctx).Warn().Str("value", it.ModifiedDate).Msg("not parsable googledrive date")
		} else {
			f.ModTime = t.UTC()
		}
	}
	return f, nil
}

func (s *googleDriveStorage) getJSON(ctx context.Context, ri *request.Invoker, url string, v any) error {
	return s.do(ctx, func() error {
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
func (s *googleDriveStorage) UserID(ctx context.Context) (string, error) {
	var info struct {
		Email string `json:"email"`
	}
	if err := s.getJSON(ctx, s.apiInvoker(nil), s.userinfoEndpoint, &info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// Quota does not count shared files in used bytes.
func (s *googleDriveStorage) Quota(ctx context.Context) (storage.Quota, error) {
	var about struct {
		QuotaBytesUsed  string `json:"quotaBytesUsed"`
		QuotaBytesTotal string `json:"quotaBytesTotal"`
	}
	if err := s.getJSON(ctx, s.apiInvoker(nil), s.endpoint+"/about", &about); err != nil {
		return storage.Quota{}, err
	}
	used, err := strconv.ParseInt(about.QuotaBytesUsed, 10, 64)
	if err != nil {
		used = -1
	}
	total, err := strconv.ParseInt(about.QuotaBytesTotal, 10, 64)
	if err != nil {
		total = -1
	}
	return storage.Quota{UsedBytes: used, AllowedBytes: total}, nil
}

func (s *googleDriveStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

func (s *googleDriveStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	remote, err := s.findRemotePath(ctx, path, true)
	if err != nil {
		return nil, err
	}
	if !remote.exists() {
		// Per contract, listing a non existing folder returns nil.
		return nil, nil
	}
	if remote.lastIsBlob() {
		return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
	}

	// Now inquire for the children of the leaf folder:
	q := "('" + escapeQuery(remote.deepestFolderID()) + "' in parents"
	if path.IsRoot() {
		// Shared files appear in the root folder listing:
		q += " or sharedWithMe"
	}
	q += ") and trashed=false"
	query := url.Values{
		"q":      {q},
		"fields": {"nextPageToken,items(id,title,mimeType,fileSize,modifiedDate)"},
	}
	var page struct {
		Items []driveItem `json:"items"`
	}
	err = s.getJSON(ctx, s.apiInvoker(nil), s.filesEndpoint()+"?"+query.Encode(), &page)
	if err != nil {
		return nil, err
	}
	ret := map[cpath.CPath]*storage.File{}
	for _, it := range page.Items {
		f, err := s.parseFile(ctx, path, it)
		if err != nil {
			return nil, err
		}
		ret[f.Path] = f
	}
	return ret, nil
}

// rawCreateFolder creates a folder without creating any higher level
// intermediate folders, and returns the id of the created folder.
func (s *googleDriveStorage) rawCreateFolder(ctx context.Context, path cpath.CPath, parentID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"title":    path.BaseName(),
		"mimeType": mimeTypeDirectory,
		"parents":  []map[string]string{{"id": parentID}},
	})
	if err != nil {
		return "", errors.Wrap(err, "googledrive: cannot serialize folder creation")
	}
	ri := s.apiInvoker(&path)
	var created struct {
		ID string `json:"id"`
	}
	err = s.do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.filesEndpoint()+"?fields=id", strings.NewReader(string(body)))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return err
		}
		return request.DecodeJSON(resp, &created)
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (s *googleDriveStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	// Check first whether the folder already exists (and find which
	// intermediate folders must be created):
	remote, err := s.findRemotePath(ctx, path, false)
	if err != nil {
		return false, err
	}
	if remote.lastIsBlob() {
		// A blob exists along that path: wrong !
		return false, &errtypes.InvalidType{Path: remote.lastCPath(), ExpectedBlob: false}
	}
	if remote.exists() {
		return false, nil
	}
	parentID := remote.deepestFolderID()
	for i := len(remote.filesChain); i < len(remote.segments); i++ {
		currentPath := remote.firstSegmentsPath(i + 1)
		parentID, err = s.rawCreateFolder(ctx, currentPath, parentID)
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// deleteByID moves the file to trash.
func (s *googleDriveStorage) deleteByID(ctx context.Context, path cpath.CPath, fileID string) error {
	ri := s.apiInvoker(&path)
	return s.do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodPost, s.filesEndpoint()+"/"+fileID+"/trash", nil)
		})
		if err != nil {
			return err
		}
		request.DiscardResponse(resp)
		return nil
	})
}

// Delete moves the file to trash (drive cascades the children itself).
func (s *googleDriveStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("googledrive: can not delete root folder")
	}
	remote, err := s.findRemotePath(ctx, path, false)
	if err != nil {
		return false, err
	}
	if !remote.exists() {
		return false, nil
	}
	// At least one segment exists; this is either a folder or a blob, so
	// the deepest chain entry is the one to trash.
	if err := s.deleteByID(ctx, path, remote.filesChain[len(remote.filesChain)-1].ID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *googleDriveStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	if path.IsRoot() {
		return storage.NewFolder(cpath.Root()), nil
	}
	remote, err := s.findRemotePath(ctx, path, true)
	if err != nil {
		return nil, err
	}
	if !remote.exists() {
		return nil, nil
	}
	return s.parseFile(ctx, path.Parent(), remote.filesChain[len(remote.filesChain)-1])
}

func (s *googleDriveStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
	return s.do(ctx, func() error {
		return s.doDownload(ctx, req)
	})
}

// doDownload does not retry requests.
func (s *googleDriveStorage) doDownload(ctx context.Context, dreq *storage.DownloadRequest) error {
	path := dreq.Path
	remote, err := s.findRemotePath(ctx, path, true)
	if err != nil {
		return err
	}
	if !remote.exists() {
		if remote.lastIsBlob() {
			return &errtypes.InvalidType{Path: remote.lastCPath(), ExpectedBlob: false}
		}
		return &errtypes.NotFound{Path: path}
	}
	if !remote.lastIsBlob() {
		// The path refers to an existing folder: wrong !
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}

	blob := remote.filesChain[len(remote.filesChain)-1]
	if blob.DownloadURL == "" {
		// A blob without a download url is likely a google doc, not
		// downloadable:
		if strings.HasPrefix(blob.MimeType, mimeTypeAppsFile) {
			return &errtypes.InvalidType{Path: path, ExpectedBlob: true,
				Message: "google docs are not downloadable: " + path.String()}
		}
		return errors.Errorf("googledrive: no downloadUrl defined for blob: %s", path)
	}
	ri := s.basicInvoker(&path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, blob.DownloadURL, nil)
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

func (s *googleDriveStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	return s.do(ctx, func() error {
		return s.doUpload(ctx, req)
	})
}

// doUpload does not retry requests.
func (s *googleDriveStorage) doUpload(ctx context.Context, ureq *storage.UploadRequest) error {
	// Check before upload: uploading over a folder would create another
	// file with the same name (bad), and a blob along the path shadows it.
	path := ureq.Path
	remote, err := s.findRemotePath(ctx, path, false)
	if err != nil {
		return err
	}
	if remote.exists() && !remote.lastIsBlob() {
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}
	if !remote.exists() && remote.lastIsBlob() {
		return &errtypes.InvalidType{Path: remote.lastCPath(), ExpectedBlob: false}
	}

	// Either update the existing blob, or create a new file in the deepest
	// folder (creating intermediate folders first when needed):
	fileID := ""
	parentID := ""
	if remote.exists() {
		fileID = remote.filesChain[len(remote.filesChain)-1].ID
	} else {
		parentID = remote.deepestFolderID()
		for i := len(remote.filesChain); i < len(remote.segments)-1; i++ {
			currentPath := remote.firstSegmentsPath(i + 1)
			parentID, err = s.rawCreateFolder(ctx, currentPath, parentID)
			if err != nil {
				return err
			}
		}
	}

	meta := map[string]any{}
	if fileID == "" {
		meta["title"] = path.BaseName()
		meta["parents"] = []map[string]string{{"id": parentID}}
	}
	if ureq.ContentType != "" {
		// Drive distinguishes between the mimeType defined here and the
		// Content-Type defined in the part header; it also guesses.
		meta["mimeType"] = ureq.ContentType
	}

	method := http.MethodPost
	uploadURL := s.uploadEndpoint + "?uploadType=multipart"
	if fileID != "" {
		method = http.MethodPut
		uploadURL = s.uploadEndpoint + "/" + fileID + "?uploadType=multipart"
	}
	body, err := newRelatedBody(meta, ureq)
	if err != nil {
		return err
	}
	ri := s.apiInvoker(&path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		in, length, contentType, err := body.open()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, uploadURL, in)
		if err != nil {
			in.Close()
			return nil, err
		}
		req.ContentLength = length
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return err
	}
	request.DiscardResponse(resp)
	return nil
}

var _ storage.Provider = (*googleDriveStorage)(nil)
