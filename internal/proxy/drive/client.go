package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/proxy"
)

// Client represents a drive API client bound to one access token
type Client struct {
	httpClient  *http.Client
	accessToken string
	baseURL     string
}

// DriveItem represents a drive item (file or folder)
type DriveItem struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Size   int64           `json:"size"`
	File   *FileMetadata   `json:"file,omitempty"`
	Folder *FolderMetadata `json:"folder,omitempty"`
}

// FileMetadata represents file-specific metadata
type FileMetadata struct {
	MimeType string `json:"mimeType"`
}

// FolderMetadata represents folder-specific metadata
type FolderMetadata struct {
	ChildCount int `json:"childCount"`
}

// UploadSession represents an upload session for large files
type UploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type childrenPage struct {
	Value    []DriveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		// bodies stream through this client, so only the dial and headers
		// are bounded by default
		return &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}}
	}
	return &http.Client{Timeout: timeout}
}

// refreshAccessToken redeems the account's refresh token for an access token
func refreshAccessToken(ctx context.Context, httpClient *http.Client, tokenURL string, creds credentials.Credentials) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"offline_access", "Files.ReadWrite.All"},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, proxy.OAuthError(xerrors.SystemDrive, err, "token refresh")
	}
	return tok, nil
}

func (c *Client) itemURL(driveID, p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return fmt.Sprintf("%s/drives/%s/root", c.baseURL, url.PathEscape(driveID))
	}
	return fmt.Sprintf("%s/drives/%s/root:/%s", c.baseURL, url.PathEscape(driveID), escapePath(p))
}

// GetItem retrieves the item at a path
func (c *Client) GetItem(ctx context.Context, driveID, p string) (*DriveItem, error) {
	var item DriveItem
	if err := c.doJSON(ctx, "GET", c.itemURL(driveID, p), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Children lists the direct children of a folder, following pagination
func (c *Client) Children(ctx context.Context, driveID, itemID string) ([]DriveItem, error) {
	next := fmt.Sprintf("%s/drives/%s/items/%s/children", c.baseURL, url.PathEscape(driveID), url.PathEscape(itemID))

	var items []DriveItem
	for next != "" {
		var page childrenPage
		if err := c.doJSON(ctx, "GET", next, nil, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Value...)
		next = page.NextLink
	}
	return items, nil
}

// Download opens the content of a file. The caller closes the body.
func (c *Client) Download(ctx context.Context, driveID, p string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.itemURL(driveID, p)+":/content", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, proxy.TransportError(xerrors.SystemDrive, err, "download")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, proxy.StatusError(xerrors.SystemDrive, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// UploadSmallFile uploads a file in a single request
func (c *Client) UploadSmallFile(ctx context.Context, driveID, p string, r io.Reader, size int64) (*DriveItem, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.itemURL(driveID, p)+":/content", r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	var item DriveItem
	if err := c.send(req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateUploadSession creates an upload session for large files
func (c *Client) CreateUploadSession(ctx context.Context, driveID, p string) (*UploadSession, error) {
	body := map[string]interface{}{
		"item": map[string]interface{}{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	}
	var session UploadSession
	if err := c.doJSON(ctx, "POST", c.itemURL(driveID, p)+":/createUploadSession", body, &session); err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, xerrors.Newf(xerrors.CodeInternal, "upload session has no upload URL").WithSystem(xerrors.SystemDrive)
	}
	return &session, nil
}

// UploadChunk uploads a chunk to an upload session. The session URL is
// pre-authorized and takes no bearer token.
func (c *Client) UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rangeStart, rangeEnd, totalSize int64) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, totalSize))
	return c.send(req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return proxy.TransportError(xerrors.SystemDrive, err, req.Method+" request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return proxy.StatusError(xerrors.SystemDrive, resp.StatusCode, string(body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Transient(xerrors.SystemDrive, err, "failed to decode response")
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
