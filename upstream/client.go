package upstream

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client sends JSON requests with Basic auth to one base address. Request
// paths are appended to the base path and never carry a query.
type Client struct {
	address         *url.URL
	username        string
	password        string
	maxResponseSize int64
	httpClient      *http.Client
}

// NewClient validates address, which must be absolute and free of
// credentials. name only labels the errors.
func NewClient(name, address, username, password string, timeout time.Duration, maxResponseSize int64) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s address", name)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("%s address %q must be absolute", name, address)
	}
	if u.User != nil {
		return nil, errors.Errorf("%s address must not embed credentials", name)
	}
	return &Client{
		address:         u,
		username:        username,
		password:        password,
		maxResponseSize: maxResponseSize,
		httpClient:      &http.Client{Timeout: timeout},
	}, nil
}

// Do returns the response body, truncated to the configured size, and the
// status. Only transport failures are errors.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	finalURL := *c.address
	finalURL.Path = strings.TrimRight(c.address.Path, "/") + path
	finalURL.RawPath = ""
	finalURL.RawQuery = ""

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, finalURL.String(), reader)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize))
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}
