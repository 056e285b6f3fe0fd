package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nweb-io/indexer/internal/domain/bundles"
)

// Client talks to the IPFS node's HTTP API (the /api/v0 surface). Every
// fetch is bounded in bytes and in time.
type Client struct {
	http   *http.Client
	apiURL string
	log    *zap.Logger
}

func New(apiURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		apiURL: strings.TrimRight(apiURL, "/"),
		log:    log,
	}
}

// Ping verifies the node answers; used at startup only.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.post(ctx, "/api/v0/version", "")
	return err
}

// Stat describes a content address without pulling its data.
func (c *Client) Stat(ctx context.Context, path string) (bundles.Stat, error) {
	body, err := c.post(ctx, "/api/v0/object/stat", path)
	if err != nil {
		return bundles.Stat{}, err
	}
	defer body.Close()

	var resp struct {
		NumLinks int `json:"NumLinks"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return bundles.Stat{}, bundles.Transport(fmt.Errorf("stat %s: %w", path, err))
	}
	return bundles.Stat{IsDirectory: resp.NumLinks > 0, Children: resp.NumLinks}, nil
}

// Cat fetches content, failing with ErrTooLarge past maxBytes.
func (c *Client) Cat(ctx context.Context, path string, maxBytes int64) ([]byte, error) {
	body, err := c.post(ctx, "/api/v0/cat", path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, bundles.Transport(fmt.Errorf("cat %s: %w", path, err))
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("cat %s: %d bytes read: %w", path, len(data), bundles.ErrTooLarge)
	}
	return data, nil
}

// Pin asks the node to pin a content address so it survives garbage
// collection.
func (c *Client) Pin(ctx context.Context, cid string) error {
	body, err := c.post(ctx, "/api/v0/pin/add", cid)
	if err != nil {
		return err
	}
	body.Close()
	c.log.Debug("pinned", zap.String("cid", cid))
	return nil
}

// post issues the API call; the Kubo API takes POST with the target as the
// arg query parameter. Non-200 responses and network errors are retryable
// transport failures.
func (c *Client) post(ctx context.Context, endpoint, arg string) (io.ReadCloser, error) {
	u := c.apiURL + endpoint
	if arg != "" {
		u += "?arg=" + url.QueryEscape(arg)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, bundles.Transport(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bundles.Transport(err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, bundles.Transport(fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return resp.Body, nil
}
