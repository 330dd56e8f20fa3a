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

// Package rapidshare implements the RapidShare storage adapter, a
// line-oriented text API (key=value answers, comma separated listings).
//
// Adapter notes: folder names are not limited, but in blob names the
// characters ' " , < > \ are rewritten to underscores by the provider, so
// several blobs with the same visible name may exist (files are handled by
// id). This adapter deletes any existing blob with the same name before an
// upload, so a failed upload loses the old file. The provider also ignores
// upload content types. Requests rate limit: the account is locked after
// more than 6500 API calls in less than 10 minutes.
package rapidshare

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/httpclient"
	"github.com/netheos/pcsapi/pkg/request"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

const (
	providerName = "rapidshare"

	// maxAPIResponseLength protects against over-large API answers
	// (rapidshare always sends a Content-Length header).
	maxAPIResponseLength = 1024 * 1024
)

func init() {
	storage.Register(providerName, New)
}

// loginPasswordParamsSessionManager handles the special rapidshare
// authentication: login and password are passed as additional query
// parameters on GET requests, and as form fields on uploads.
type loginPasswordParamsSessionManager struct {
	userCredentials *credentials.UserCredentials
	password        string
	client          *httpclient.Client
}

func newSessionManager(uc *credentials.UserCredentials) (*loginPasswordParamsSessionManager, error) {
	if uc.UserID == "" {
		return nil, errors.New("rapidshare: undefined user_id in user credentials")
	}
	password, err := uc.Password()
	if err != nil {
		return nil, err
	}
	return &loginPasswordParamsSessionManager{
		userCredentials: uc,
		password:        password,
		client:          httpclient.New(),
	}, nil
}

func (m *loginPasswordParamsSessionManager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	query := req.URL.Query()
	query.Set("login", m.userCredentials.UserID)
	query.Set("password", m.password)
	req.URL.RawQuery = query.Encode()
	return m.client.Do(req)
}

// authParts returns the credentials as form fields, for posted uploads.
func (m *loginPasswordParamsSessionManager) authParts() map[string]string {
	return map[string]string{
		"login":    m.userCredentials.UserID,
		"password": m.password,
	}
}

type rapidShareStorage struct {
	sessionManager *loginPasswordParamsSessionManager
	retryStrategy  retry.Invoker

	endpoint string
	// uploadHost formats the host handed out by the nextuploadserver call.
	uploadHost func(serverNumber int) string
}

// New builds the rapidshare provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := newSessionManager(b.UserCredentials)
	if err != nil {
		return nil, err
	}
	return &rapidShareStorage{
		sessionManager: sm,
		retryStrategy:  b.Retry(),
		endpoint:       "https://api.rapidshare.com/cgi-bin/rsapi.cgi",
		uploadHost: func(serverNumber int) string {
			return "rs" + strconv.Itoa(serverNumber) + ".rapidshare.com"
		},
	}, nil
}

func (s *rapidShareStorage) Name() string {
	return providerName
}

// buildError extracts the server error message from the body, already read
// by the validator. The API reports every failure as a text line starting
// with "ERROR: ", whatever the http status: login and not-found failures
// are recognized from the message.
func (s *rapidShareStorage) buildError(resp *http.Response, body, message string, path *cpath.CPath) error {
	if strings.HasPrefix(body, "ERROR: ") {
		serverErrorMsg := request.Abbreviate(body, 100)
		if strings.Contains(serverErrorMsg, "Login failed") {
			// Should really be a 401:
			return &errtypes.Authentication{HTTP: errtypes.HTTP{
				Method:     resp.Request.Method,
				RequestURL: errtypes.ShortenURL(resp.Request.URL.String()),
				StatusCode: http.StatusUnauthorized,
				Reason:     resp.Status,
				Message:    serverErrorMsg,
			}}
		}
		if strings.Contains(serverErrorMsg, "File not found") {
			// Should really be a 404:
			var p cpath.CPath
			if path != nil {
				p = *path
			}
			return &errtypes.NotFound{Path: p, Message: serverErrorMsg}
		}
		if message != "" {
			message += " (server said: " + serverErrorMsg + ")"
		} else {
			message = serverErrorMsg
		}
	}
	return errtypes.FromResponse(resp, message, path)
}

// validateResponse checks the server code only: for file downloads.
func (s *rapidShareStorage) validateResponse(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode >= 500 {
		return errtypes.NewRetriable(errtypes.FromResponse(resp, "", path))
	}
	if resp.StatusCode >= 300 {
		return errtypes.FromResponse(resp, "", path)
	}
	return nil
}

// validateAPIResponse reads the whole (bounded) answer and checks it does
// not report an error line.
func (s *rapidShareStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := s.validateResponse(resp, path); err != nil {
		return err
	}
	length, ok := request.ContentLength(resp)
	if !ok {
		return errtypes.NewRetriable(s.buildError(resp, "", "Undefined content length in server API response", path))
	}
	if length > maxAPIResponseLength {
		return s.buildError(resp, "", "Too large server API response", path)
	}
	body, err := request.ReadBody(resp)
	if err != nil {
		return errtypes.NewRetriable(err)
	}
	text := string(body)
	if strings.HasPrefix(text, "ERROR: ") {
		return s.buildError(resp, text, "", path)
	}
	// Hand the buffered body back to the caller:
	resp.Body = newStringBody(text)
	return nil
}

func (s *rapidShareStorage) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateResponse, path)
}

func (s *rapidShareStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

// apiCall performs one API GET with the given parameters and returns the
// response text.
func (s *rapidShareStorage) apiCall(ctx context.Context, path *cpath.CPath, params url.Values) (string, error) {
	ri := s.apiInvoker(path)
	var text string
	err := s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
		})
		if err != nil {
			return err
		}
		body, err := request.ReadBody(resp)
		if err != nil {
			return errtypes.NewRetriable(err)
		}
		text = string(body)
		return nil
	})
	return text, err
}

// UserID returns the login.
func (s *rapidShareStorage) UserID(ctx context.Context) (string, error) {
	return s.sessionManager.userCredentials.UserID, nil
}

// accountDetails parses the key=value lines of getaccountdetails. Beware
// that some keys may change over time.
func (s *rapidShareStorage) accountDetails(ctx context.Context) (map[string]string, error) {
	text, err := s.apiCall(ctx, nil, url.Values{"sub": {"getaccountdetails"}})
	if err != nil {
		return nil, err
	}
	details := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		if key, value, found := strings.Cut(strings.TrimRight(line, "\r"), "="); found {
			details[key] = value
		}
	}
	return details, nil
}

func (s *rapidShareStorage) Quota(ctx context.Context) (storage.Quota, error) {
	details, err := s.accountDetails(ctx)
	if err != nil {
		return storage.Quota{}, err
	}
	quota := storage.Quota{UsedBytes: -1, AllowedBytes: -1}
	if used, err := strconv.ParseInt(details["curspace"], 10, 64); err == nil {
		quota.UsedBytes = used
	}
	if maxGB, err := strconv.ParseInt(details["maxspacegb"], 10, 64); err == nil {
		quota.AllowedBytes = maxGB * 1024 * 1024 * 1024
	}
	return quota, nil
}

func (s *rapidShareStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

func (s *rapidShareStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	folders, err := s.allFolders(ctx)
	if err != nil {
		return nil, err
	}
	table := connectFolders(ctx, folders)
	folderID, isFolder := table.idByPath[path.String()]
	if !isFolder {
		// The path is not a folder: distinguish between non existing
		// (nil) and blob (InvalidType).
		parentID, parentExists := table.idByPath[path.Parent().String()]
		if !parentExists {
			return nil, nil
		}
		blobs, err := s.blobsByParentID(ctx, path.Parent(), parentID, path.BaseName())
		if err != nil {
			return nil, err
		}
		if _, isBlob := blobs[path]; isBlob {
			return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
		return nil, nil
	}

	ret := map[cpath.CPath]*storage.File{}
	for _, folder := range folders {
		if folder.parentID != folderID {
			continue
		}
		subPath, ok := table.pathByID[folder.id]
		if !ok {
			continue
		}
		p, err := cpath.New(subPath)
		if err != nil {
			return nil, errors.Wrap(err, "rapidshare: invalid folder name in listing")
		}
		ret[p] = storage.NewFolder(p)
	}
	blobs, err := s.blobsByParentID(ctx, path, folderID, "")
	if err != nil {
		return nil, err
	}
	for p, f := range blobs {
		ret[p] = f
	}
	return ret, nil
}

// rawCreateFolder creates one folder level and returns its id.
func (s *rapidShareStorage) rawCreateFolder(ctx context.Context, path cpath.CPath, parentID int) (int, error) {
	text, err := s.apiCall(ctx, &path, url.Values{
		"sub":    {"addrealfolder"},
		"name":   {path.BaseName()},
		"parent": {strconv.Itoa(parentID)},
	})
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, errors.Wrap(err, "rapidshare: unparsable addrealfolder response")
	}
	return id, nil
}

// createIntermediaryFolders creates any missing parent folder, walking from
// the deepest existing one. The first folder to create must not clash with
// an existing blob. It returns the leaf folder id.
func (s *rapidShareStorage) createIntermediaryFolders(ctx context.Context, leafFolderPath cpath.CPath, table *folderTable) (int, error) {
	path := leafFolderPath
	var missing []cpath.CPath
	for !path.IsRoot() { // deepest first
		if _, exists := table.idByPath[path.String()]; exists {
			break
		}
		missing = append([]cpath.CPath{path}, missing...)
		path = path.Parent()
	}
	parentID := table.idByPath[path.String()]
	if len(missing) == 0 {
		return parentID, nil
	}
	// Check that the first folder to create is not a blob:
	blobs, err := s.blobsByParentID(ctx, path, parentID, missing[0].BaseName())
	if err != nil {
		return 0, err
	}
	if _, isBlob := blobs[missing[0]]; isBlob {
		return 0, &errtypes.InvalidType{Path: missing[0], ExpectedBlob: false}
	}
	for _, p := range missing {
		parentID, err = s.rawCreateFolder(ctx, p, parentID)
		if err != nil {
			return 0, err
		}
	}
	return parentID, nil
}

func (s *rapidShareStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	folders, err := s.allFolders(ctx)
	if err != nil {
		return false, err
	}
	table := connectFolders(ctx, folders)
	if _, exists := table.idByPath[path.String()]; exists {
		return false, nil
	}
	if _, err := s.createIntermediaryFolders(ctx, path, table); err != nil {
		return false, err
	}
	return true, nil
}

func (s *rapidShareStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("rapidshare: can not delete root folder")
	}
	folders, err := s.allFolders(ctx)
	if err != nil {
		return false, err
	}
	table := connectFolders(ctx, folders)

	// Folders are deleted one by one, deepest first, to avoid orphans:
	prefix := path.String()
	var pathnames []string
	for pathname := range table.idByPath {
		if pathname == prefix || strings.HasPrefix(pathname, prefix+"/") {
			pathnames = append(pathnames, pathname)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(pathnames)))
	for _, pathname := range pathnames {
		_, err := s.apiCall(ctx, &path, url.Values{
			"sub":        {"delrealfolder"},
			"realfolder": {strconv.Itoa(table.idByPath[pathname])},
		})
		if err != nil {
			return false, err
		}
	}
	if len(pathnames) > 0 {
		return true, nil
	}

	// Not a folder; is it a blob ?
	parentID, parentExists := table.idByPath[path.Parent().String()]
	if !parentExists {
		return false, nil
	}
	blobs, err := s.blobsByParentID(ctx, path.Parent(), parentID, path.BaseName())
	if err != nil {
		return false, err
	}
	blob, isBlob := blobs[path]
	if !isBlob {
		return false, nil
	}
	if err := s.deleteBlobByID(ctx, blob.FileID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *rapidShareStorage) deleteBlobByID(ctx context.Context, blobID string) error {
	_, err := s.apiCall(ctx, nil, url.Values{"sub": {"deletefiles"}, "files": {blobID}})
	return err
}

func (s *rapidShareStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	if path.IsRoot() {
		return storage.NewFolder(path), nil
	}
	folders, err := s.allFolders(ctx)
	if err != nil {
		return nil, err
	}
	table := connectFolders(ctx, folders)
	if _, isFolder := table.idByPath[path.String()]; isFolder {
		return storage.NewFolder(path), nil
	}
	parentID, parentExists := table.idByPath[path.Parent().String()]
	if !parentExists {
		return nil, nil
	}
	blobs, err := s.blobsByParentID(ctx, path.Parent(), parentID, path.BaseName())
	if err != nil {
		return nil, err
	}
	return blobs[path], nil
}

func (s *rapidShareStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
	path := req.Path
	folders, err := s.allFolders(ctx)
	if err != nil {
		return err
	}
	table := connectFolders(ctx, folders)
	if _, isFolder := table.idByPath[path.String()]; isFolder {
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}
	parentID, parentExists := table.idByPath[path.Parent().String()]
	if !parentExists {
		return &errtypes.NotFound{Path: path, Message: "parent path not found"}
	}
	blobs, err := s.blobsByParentID(ctx, path.Parent(), parentID, path.BaseName())
	if err != nil {
		return err
	}
	blob, isBlob := blobs[path]
	if !isBlob {
		return &errtypes.NotFound{Path: path, Message: "file not found"}
	}
	return s.retryStrategy.Do(ctx, func() error {
		return s.doDownload(ctx, req, blob.FileID)
	})
}

// doDownload does not retry requests. The API hands out the host serving
// the blob, which must be a rapidshare host.
func (s *rapidShareStorage) doDownload(ctx context.Context, dreq *storage.DownloadRequest, blobID string) error {
	path := dreq.Path
	ri := s.apiInvoker(&path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		params := url.Values{
			"sub":      {"download"},
			"fileid":   {blobID},
			"filename": {path.BaseName()},
			"try":      {"1"}, // so that the final URL is always answered
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	})
	if err != nil {
		return err
	}
	body, err := request.ReadBody(resp)
	if err != nil {
		return errtypes.NewRetriable(err)
	}
	text := string(body)
	if !strings.HasPrefix(text, "DL:") {
		return errtypes.NewRetriable(errors.New("rapidshare: can not download (response does not start with DL:)"))
	}
	hostname, _, _ := strings.Cut(text[3:], ",")
	if !strings.HasSuffix(hostname, ".rapidshare.com") {
		return errors.Errorf("rapidshare: download host is not rapidshare.com: %q", hostname)
	}
	downloadURL := "https://" + hostname + "/files/" + blobID + "/" + urlQuote(path.BaseName()) + "?directstart=1"
	dri := s.basicInvoker(&path)
	dresp, err := dri.Do(ctx, func() (*http.Request, error) {
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
	return request.DownloadToSink(dresp, dreq.ByteSink())
}

func (s *rapidShareStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	// Check before upload: uploading over a folder would create a name
	// duplicate.
	path := req.Path
	folders, err := s.allFolders(ctx)
	if err != nil {
		return err
	}
	table := connectFolders(ctx, folders)
	if _, isFolder := table.idByPath[path.String()]; isFolder {
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}
	parentID, err := s.createIntermediaryFolders(ctx, path.Parent(), table)
	if err != nil {
		return err
	}
	// If a blob already exists with the same name, delete it first to
	// avoid duplicates:
	blobs, err := s.blobsByParentID(ctx, path.Parent(), parentID, path.BaseName())
	if err != nil {
		return err
	}
	if blob, isBlob := blobs[path]; isBlob {
		if err := s.deleteBlobByID(ctx, blob.FileID); err != nil {
			return err
		}
	}
	return s.retryStrategy.Do(ctx, func() error {
		return s.doUpload(ctx, req, parentID)
	})
}

// doUpload does not retry requests: it asks for the next upload server,
// then posts the multipart form there. Content type and metadata are not
// supported by the provider.
func (s *rapidShareStorage) doUpload(ctx context.Context, ureq *storage.UploadRequest, parentID int) error {
	text, err := s.apiCall(ctx, nil, url.Values{"sub": {"nextuploadserver"}})
	if err != nil {
		return err
	}
	serverNumber, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return errtypes.NewRetriable(errors.Wrap(err, "rapidshare: unparsable nextuploadserver response"))
	}
	uploadURL := "https://" + s.uploadHost(serverNumber) + "/cgi-bin/rsapi.cgi"

	fields := s.sessionManager.authParts()
	fields["sub"] = "upload"
	fields["folder"] = strconv.Itoa(parentID)
	fields["filename"] = ureq.Path.BaseName()
	body := newUploadBody(fields, "filecontent", ureq)

	path := ureq.Path
	ri := s.apiInvoker(&path)
	resp, err := ri.Do(ctx, func() (*http.Request, error) {
		in, length, contentType, err := body.open()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, in)
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

// urlQuote percent-encodes a path segment the strict way.
func urlQuote(s string) string {
	p, err := cpath.New("/" + s)
	if err != nil {
		return url.PathEscape(s)
	}
	return strings.TrimPrefix(p.URLEncoded(), "/")
}

var _ storage.Provider = (*rapidShareStorage)(nil)
