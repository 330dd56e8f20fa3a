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

// Package cloudme implements the CloudMe storage adapter, a SOAP-over-http
// XML API authenticated with http digest.
//
// Adapter notes: CloudMe accepts a blob and a folder with the same name;
// this adapter always considers the folder first. Double quotes are
// forbidden in blob names. The upload content type is ignored by the
// provider (it derives the type from the blob base name).
package cloudme

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/errtypes"
	"github.com/netheos/pcsapi/pkg/request"
	"github.com/netheos/pcsapi/pkg/retry"
	"github.com/netheos/pcsapi/pkg/storage"
)

const providerName = "cloudme"

const (
	soapHeader = `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" ` +
		`SOAP-ENV:encodingStyle="" ` +
		`xmlns:xsi="http://www.w3.org/1999/XMLSchema-instance" ` +
		`xmlns:xsd="http://www.w3.org/1999/XMLSchema">` +
		`<SOAP-ENV:Body>`
	soapFooter = `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
)

func init() {
	storage.Register(providerName, New)
}

type cloudMeStorage struct {
	sessionManager *auth.DigestSessionManager
	retryStrategy  retry.Invoker

	endpoint string

	// The blue folder tree root id, lazily retrieved. Several goroutines
	// may race to fetch it at start; they all store the same value.
	rootID string
}

// New builds the cloudme provider from an assembled builder.
func New(b *storage.Builder) (storage.Provider, error) {
	sm, err := auth.NewDigestSessionManager(b.UserCredentials)
	if err != nil {
		return nil, err
	}
	return &cloudMeStorage{
		sessionManager: sm,
		retryStrategy:  b.Retry(),
		endpoint:       "https://www.cloudme.com/v1",
	}, nil
}

func (s *cloudMeStorage) Name() string {
	return providerName
}

// buildError extracts the error from the xml body. Soap faults come as
// http 500 answers whose body carries faultcode/faultstring plus a detail
// error element with code, description and number attributes; a detail
// code 404 means the document was not found. A non-xml body is an
// unparsable server error, usually temporary.
func (s *cloudMeStorage) buildError(resp *http.Response, path *cpath.CPath) error {
	message := ""
	retriable := false
	ct := request.ContentType(resp)
	body := request.ReadErrorBody(resp)
	if strings.Contains(ct, "text/xml") || strings.Contains(ct, "application/xml") {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(body); err == nil {
			if faultcode := findFirst(doc.Root(), "faultcode"); faultcode != nil &&
				strings.HasSuffix(faultcode.Text(), ":Client") {
				if faultstring := findFirst(doc.Root(), "faultstring"); faultstring != nil {
					// In case we have no detail:
					message = faultstring.Text()
				}
				if detail := findFirst(doc.Root(), "error"); detail != nil {
					code := detail.SelectAttrValue("code", "")
					message = "[" + code + " " + detail.SelectAttrValue("description", "") +
						" (" + detail.SelectAttrValue("number", "") + ")] " + detail.Text()
					if path != nil {
						message += " (" + path.String() + ")"
					}
					if code == "404" {
						var p cpath.CPath
						if path != nil {
							p = *path
						}
						return &errtypes.NotFound{Path: p, Message: message}
					}
					// These errors are not retriable, as a well formed
					// response has been received.
				}
			}
		}
	} else {
		message = request.Abbreviate("Unparsable server error: "+string(body), 200)
		if resp.StatusCode >= 500 {
			retriable = true
		}
	}
	err := errtypes.FromResponse(resp, message, path)
	if retriable {
		return errtypes.NewRetriable(err)
	}
	return err
}

// validateResponse checks the server code only (content type is ignored).
func (s *cloudMeStorage) validateResponse(resp *http.Response, path *cpath.CPath) error {
	if resp.StatusCode >= 300 {
		// Determining if the error is retriable requires parsing the body:
		return s.buildError(resp, path)
	}
	return nil
}

// validateAPIResponse additionally checks the content type is xml.
func (s *cloudMeStorage) validateAPIResponse(resp *http.Response, path *cpath.CPath) error {
	if err := s.validateResponse(resp, path); err != nil {
		return err
	}
	return request.EnsureContentTypeXML(resp, true, path)
}

func (s *cloudMeStorage) basicInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateResponse, path)
}

func (s *cloudMeStorage) apiInvoker(path *cpath.CPath) *request.Invoker {
	return request.NewInvoker(s.sessionManager, s.validateAPIResponse, path)
}

func (s *cloudMeStorage) restURL(methodPath string) string {
	return s.endpoint + "/" + methodPath + "/"
}

// doSoapRequest posts a soap action and returns the parsed response body.
func (s *cloudMeStorage) doSoapRequest(ctx context.Context, action, innerXML string, path *cpath.CPath) (*etree.Document, error) {
	payload := soapHeader + "<" + action + ">" + innerXML + "</" + action + ">" + soapFooter
	ri := s.apiInvoker(path)
	var doc *etree.Document
	err := s.retryStrategy.Do(ctx, func() error {
		resp, err := ri.Do(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("soapaction", action)
			req.Header.Set("Content-Type", "text/xml; charset=utf-8")
			return req, nil
		})
		if err != nil {
			return err
		}
		body, err := request.ReadBody(resp)
		if err != nil {
			return err
		}
		d := etree.NewDocument()
		if err := d.ReadFromBytes(body); err != nil {
			return errors.Wrapf(err, "cloudme: unparsable %s response", action)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *cloudMeStorage) login(ctx context.Context) (*etree.Document, error) {
	return s.doSoapRequest(ctx, "login", "", nil)
}

func (s *cloudMeStorage) getRootID(ctx context.Context) (string, error) {
	// No lock here: at start several goroutines may issue the same request.
	if s.rootID != "" {
		return s.rootID, nil
	}
	doc, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	home := findFirst(doc.Root(), "home")
	if home == nil {
		return "", errors.New("cloudme: no home element in login response")
	}
	s.rootID = home.Text()
	return s.rootID, nil
}

// UserID returns the login name.
func (s *cloudMeStorage) UserID(ctx context.Context) (string, error) {
	doc, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	username := findFirst(doc.Root(), "username")
	if username == nil {
		return "", errors.New("cloudme: no username element in login response")
	}
	return username.Text(), nil
}

func (s *cloudMeStorage) Quota(ctx context.Context) (storage.Quota, error) {
	doc, err := s.login(ctx)
	if err != nil {
		return storage.Quota{}, err
	}
	drive := findFirst(doc.Root(), "drive")
	if drive == nil {
		return storage.Quota{}, errors.New("cloudme: no drive element in login response")
	}
	current := findFirst(drive, "currentSize")
	limit := findFirst(drive, "quotaLimit")
	if current == nil || limit == nil {
		return storage.Quota{}, errors.New("cloudme: incomplete drive element in login response")
	}
	used, err := strconv.ParseInt(current.Text(), 10, 64)
	if err != nil {
		used = -1
	}
	allowed, err := strconv.ParseInt(limit.Text(), 10, 64)
	if err != nil {
		allowed = -1
	}
	return storage.Quota{UsedBytes: used, AllowedBytes: allowed}, nil
}

// loadFoldersStructure gets the whole folder tree, beginning from root.
func (s *cloudMeStorage) loadFoldersStructure(ctx context.Context) (*cmFolder, error) {
	rootID, err := s.getRootID(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := s.doSoapRequest(ctx, "getFolderXML", `<folder id="`+escapeXML(rootID)+`"/>`, nil)
	if err != nil {
		return nil, err
	}
	var rootElement *etree.Element
	for _, folder := range findAll(doc.Root(), "folder") {
		if folder.SelectAttrValue("id", "") == rootID {
			rootElement = folder
			break
		}
	}
	if rootElement == nil {
		return nil, errors.Errorf("cloudme: not found root folder with id=%s", rootID)
	}
	root := newCMFolder(rootID, "root", nil)
	scanFolderLevel(rootElement, root)
	return root, nil
}

func scanFolderLevel(element *etree.Element, folder *cmFolder) {
	for _, child := range element.ChildElements() {
		if localName(child.Tag) != "folder" {
			continue
		}
		childFolder := folder.addChild(child.SelectAttrValue("id", ""), child.SelectAttrValue("name", ""))
		scanFolderLevel(child, childFolder)
	}
}

// listBlobs lists all blobs present in the given folder.
func (s *cloudMeStorage) listBlobs(ctx context.Context, folder *cmFolder, path cpath.CPath) ([]*cmBlob, error) {
	doc, err := s.doSoapRequest(ctx, "queryFolder", `<folder id="`+escapeXML(folder.id)+`"/>`, &path)
	if err != nil {
		return nil, err
	}
	var blobs []*cmBlob
	for _, entry := range findAll(doc.Root(), "entry") {
		blob, err := parseBlobEntry(ctx, folder, entry)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

// blobByName searches one blob by name in the given folder. Double quotes
// around the query make the match exact (they never appear in blob names).
func (s *cloudMeStorage) blobByName(ctx context.Context, parent *cmFolder, baseName string) (*cmBlob, error) {
	innerXML := `<folder id="` + escapeXML(parent.id) + `"/>` +
		`<query>"` + escapeXML(baseName) + `"</query>` +
		`<count>1</count>`
	doc, err := s.doSoapRequest(ctx, "queryFolder", innerXML, nil)
	if err != nil {
		return nil, err
	}
	entry := findFirst(doc.Root(), "entry")
	if entry == nil {
		return nil, nil
	}
	return parseBlobEntry(ctx, parent, entry)
}

func (s *cloudMeStorage) ListRootFolder(ctx context.Context) (map[cpath.CPath]*storage.File, error) {
	return s.ListFolder(ctx, cpath.Root())
}

// ListFolder lists in three steps: generate the tree view of the storage,
// list the blobs, then merge both.
func (s *cloudMeStorage) ListFolder(ctx context.Context, path cpath.CPath) (map[cpath.CPath]*storage.File, error) {
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return nil, err
	}
	folder := root.folderByPath(path)
	if folder == nil {
		// The folder does not exist: check whether it is a blob.
		parent := root.folderByPath(path.Parent())
		if parent == nil {
			// The parent folder does not exist either, so we are sure:
			return nil, nil
		}
		blob, err := s.blobByName(ctx, parent, path.BaseName())
		if err != nil {
			return nil, err
		}
		if blob != nil {
			return nil, &errtypes.InvalidType{Path: path, ExpectedBlob: false}
		}
		return nil, nil
	}

	content := map[cpath.CPath]*storage.File{}
	for _, child := range folder.children {
		f := child.toFile()
		content[f.Path] = f
	}
	blobs, err := s.listBlobs(ctx, folder, path)
	if err != nil {
		return nil, err
	}
	for _, blob := range blobs {
		f := blob.toFile()
		content[f.Path] = f
	}
	return content, nil
}

func (s *cloudMeStorage) CreateFolder(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, nil
	}
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return false, err
	}
	if root.folderByPath(path) != nil {
		return false, nil
	}
	if _, err := s.createIntermediaryFolders(ctx, root, path); err != nil {
		return false, err
	}
	return true, nil
}

// createIntermediaryFolders creates all missing folders along the path,
// given the whole folder structure. Before creating the first missing one,
// it checks no blob already carries that name.
func (s *cloudMeStorage) createIntermediaryFolders(ctx context.Context, root *cmFolder, path cpath.CPath) (*cmFolder, error) {
	current := root
	currentPath := cpath.Root()
	firstCreation := true
	for _, segment := range path.Split() {
		var err error
		currentPath, err = currentPath.Add(segment)
		if err != nil {
			return nil, err
		}
		child := current.childByName(segment)
		if child == nil {
			if firstCreation {
				// This is the first intermediate folder to create: check
				// that no blob with that name already exists.
				blob, err := s.blobByName(ctx, current, segment)
				if err != nil {
					return nil, err
				}
				if blob != nil {
					return nil, &errtypes.InvalidType{Path: blob.path(), ExpectedBlob: false}
				}
			}
			child, err = s.rawCreateFolder(ctx, current, currentPath, segment)
			if err != nil {
				return nil, err
			}
			firstCreation = false
		}
		current = child
	}
	return current, nil
}

func (s *cloudMeStorage) rawCreateFolder(ctx context.Context, parent *cmFolder, parentPath cpath.CPath, name string) (*cmFolder, error) {
	innerXML := `<folder id="` + escapeXML(parent.id) + `"/><childFolder>` + escapeXML(name) + `</childFolder>`
	doc, err := s.doSoapRequest(ctx, "newFolder", innerXML, &parentPath)
	if err != nil {
		return nil, err
	}
	newFolderID := findFirst(doc.Root(), "newFolderId")
	if newFolderID == nil {
		return nil, errors.New("cloudme: no newFolderId in newFolder response")
	}
	return parent.addChild(newFolderID.Text(), name), nil
}

func (s *cloudMeStorage) Delete(ctx context.Context, path cpath.CPath) (bool, error) {
	if path.IsRoot() {
		return false, errors.New("cloudme: can not delete root folder")
	}
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return false, err
	}
	parent := root.folderByPath(path.Parent())
	if parent == nil {
		// The parent folder does not exist, so neither does the path.
		return false, nil
	}
	if folder := parent.childByName(path.BaseName()); folder != nil {
		innerXML := `<folder id="` + escapeXML(parent.id) + `"/><childFolder id="` + escapeXML(folder.id) + `"/>`
		doc, err := s.doSoapRequest(ctx, "deleteFolder", innerXML, &path)
		if err != nil {
			return false, err
		}
		result := findFirst(doc.Root(), "deleteFolderResponse")
		return result != nil && strings.EqualFold(strings.TrimSpace(result.Text()), "OK"), nil
	}

	// Not a folder; it may be a blob. Request by name and check the answer:
	innerXML := `<folder id="` + escapeXML(parent.id) + `"/><document>` + escapeXML(path.BaseName()) + `</document>`
	doc, err := s.doSoapRequest(ctx, "deleteDocument", innerXML, &path)
	if err != nil {
		var nf *errtypes.NotFound
		if errors.As(err, &nf) {
			// No blob has been found with this name:
			return false, nil
		}
		return false, err
	}
	result := findFirst(doc.Root(), "deleteDocumentResponse")
	return result != nil && strings.EqualFold(strings.TrimSpace(result.Text()), "OK"), nil
}

func (s *cloudMeStorage) GetFile(ctx context.Context, path cpath.CPath) (*storage.File, error) {
	if path.IsRoot() {
		return storage.NewFolder(cpath.Root()), nil
	}
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return nil, err
	}
	parent := root.folderByPath(path.Parent())
	if parent == nil {
		return nil, nil
	}
	if folder := parent.childByName(path.BaseName()); folder != nil {
		return folder.toFile(), nil
	}
	blob, err := s.blobByName(ctx, parent, path.BaseName())
	if err != nil || blob == nil {
		return nil, err
	}
	return blob.toFile(), nil
}

func (s *cloudMeStorage) Download(ctx context.Context, req *storage.DownloadRequest) error {
	return s.retryStrategy.Do(ctx, func() error {
		return s.doDownload(ctx, req)
	})
}

// doDownload does not retry requests.
func (s *cloudMeStorage) doDownload(ctx context.Context, dreq *storage.DownloadRequest) error {
	path := dreq.Path
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return err
	}
	parent := root.folderByPath(path.Parent())
	if parent == nil {
		return &errtypes.NotFound{Path: path, Message: "this file does not exist"}
	}
	if parent.childByName(path.BaseName()) != nil {
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}
	blob, err := s.blobByName(ctx, parent, path.BaseName())
	if err != nil {
		return err
	}
	if blob == nil {
		return &errtypes.NotFound{Path: path, Message: "this file does not exist"}
	}

	downloadURL := s.restURL("documents") + parent.id + "/" + blob.id + "/1"
	ri := s.basicInvoker(&path)
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

func (s *cloudMeStorage) Upload(ctx context.Context, req *storage.UploadRequest) error {
	return s.retryStrategy.Do(ctx, func() error {
		return s.doUpload(ctx, req)
	})
}

// doUpload does not retry requests.
func (s *cloudMeStorage) doUpload(ctx context.Context, ureq *storage.UploadRequest) error {
	path := ureq.Path
	root, err := s.loadFoldersStructure(ctx)
	if err != nil {
		return err
	}
	parent := root.folderByPath(path.Parent())
	if parent == nil {
		// Parent folders need to be created first:
		parent, err = s.createIntermediaryFolders(ctx, root, path.Parent())
		if err != nil {
			return err
		}
	}
	if parent.childByName(path.BaseName()) != nil {
		// The path corresponds to an existing folder, upload is not possible.
		return &errtypes.InvalidType{Path: path, ExpectedBlob: true}
	}

	body := newFormDataBody(ureq)
	uploadURL := s.restURL("documents") + parent.id
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

// parseDateTime parses atom dates like "2014-03-26T15:28:07Z".
func parseDateTime(ctx context.Context, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Str("value", value).Msg("not parsable cloudme date")
		return time.Time{}
	}
	return t.UTC()
}

var _ storage.Provider = (*cloudMeStorage)(nil)
