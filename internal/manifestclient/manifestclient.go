// Package manifestclient performs the authenticated request to the
// coordination service that returns a model's chunk manifest.
package manifestclient

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/quantarax/modeldl/internal/domain"
)

// Client calls a coordination service's initDownload endpoint.
type Client struct {
	http      *resty.Client
	baseURL   string
	accessKey string
	secretKey string
}

// New returns a Client targeting baseURL, authenticated with the given
// access/secret key pair.
func New(baseURL, accessKey, secretKey string) *Client {
	http := resty.New()
	return &Client{http: http, baseURL: baseURL, accessKey: accessKey, secretKey: secretKey}
}

type initDownloadRequest struct {
	ModelID string `json:"modelId"`
}

// FetchManifest requests the manifest for modelID. Any non-200 response
// is returned as a *ServerStatusError-compatible error carrying the
// status code; other failures are transport errors.
func (c *Client) FetchManifest(ctx context.Context, modelID string) (*domain.Manifest, error) {
	var manifest domain.Manifest

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", fmt.Sprintf("Bearer %s:%s", c.accessKey, c.secretKey)).
		SetHeader("Content-Type", "application/json").
		SetBody(initDownloadRequest{ModelID: modelID}).
		SetResult(&manifest).
		Post(c.baseURL + "/initDownload")
	if err != nil {
		return nil, &NetworkError{Op: "initDownload", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, &ServerStatusError{Op: "initDownload", Code: resp.StatusCode()}
	}
	return &manifest, nil
}

// NetworkError wraps a transport-level failure reaching the coordination
// service.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network error: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerStatusError wraps a non-200 response from the coordination
// service.
type ServerStatusError struct {
	Op   string
	Code int
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}
