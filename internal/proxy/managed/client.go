package managed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/proxy"
)

// Client represents a managed transfer service API client bound to one
// access token
type Client struct {
	httpClient  *http.Client
	accessToken string
	baseURL     string
}

// Stat describes one path on an endpoint
type Stat struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// ListItem is one entry of a recursive listing
type ListItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// TransferRequest submits an endpoint-to-endpoint transfer
type TransferRequest struct {
	Label               string `json:"label"`
	SourceEndpoint      string `json:"source_endpoint"`
	SourcePath          string `json:"source_path"`
	DestinationEndpoint string `json:"destination_endpoint"`
	DestinationPath     string `json:"destination_path"`
	EncryptData         bool   `json:"encrypt_data"`
}

// Remote transfer statuses
const (
	StatusActive    = "ACTIVE"
	StatusInactive  = "INACTIVE"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// TransferStatus is the polled state of a remote transfer task
type TransferStatus struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	BytesTransferred int64  `json:"bytes_transferred"`
	NiceStatus       string `json:"nice_status"`
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// exchangeClientCredentials obtains an access token for a service account
func exchangeClientCredentials(ctx context.Context, httpClient *http.Client, tokenURL string, creds credentials.Credentials) (*oauth2.Token, error) {
	conf := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, httpClient))
	if err != nil {
		return nil, proxy.OAuthError(xerrors.SystemManagedEndpoint, err, "token exchange")
	}
	return tok, nil
}

// Stat returns the attributes of a path
func (c *Client) Stat(ctx context.Context, endpoint, path string) (*Stat, error) {
	u := fmt.Sprintf("%s/endpoints/%s/stat?path=%s", c.baseURL, url.PathEscape(endpoint), url.QueryEscape(path))
	var stat Stat
	if err := c.do(ctx, "GET", u, nil, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

// List returns every file under a directory
func (c *Client) List(ctx context.Context, endpoint, path string) ([]ListItem, error) {
	u := fmt.Sprintf("%s/endpoints/%s/ls?path=%s&recursive=true", c.baseURL, url.PathEscape(endpoint), url.QueryEscape(path))
	var out struct {
		Items []ListItem `json:"items"`
	}
	if err := c.do(ctx, "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// SubmitTransfer starts a remote transfer and returns its task id
func (c *Client) SubmitTransfer(ctx context.Context, tr TransferRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, "POST", c.baseURL+"/transfers", tr, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", xerrors.Newf(xerrors.CodeInternal, "transfer submission returned no task id").WithSystem(xerrors.SystemManagedEndpoint)
	}
	return out.TaskID, nil
}

// TransferStatus polls a remote transfer
func (c *Client) TransferStatus(ctx context.Context, taskID string) (*TransferStatus, error) {
	var status TransferStatus
	if err := c.do(ctx, "GET", c.baseURL+"/transfers/"+url.PathEscape(taskID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return proxy.TransportError(xerrors.SystemManagedEndpoint, err, method+" request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return proxy.StatusError(xerrors.SystemManagedEndpoint, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Transient(xerrors.SystemManagedEndpoint, err, "failed to decode response")
	}
	return nil
}
