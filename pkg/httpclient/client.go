package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/catalogkit/conveyor/pkg/api"
)

const (
	contentTypeHeader = "Content-Type"
	applicationJSON   = "application/json"
)

// Client is a client to the Conveyor API.
type Client struct {
	BaseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{},
	}
}

func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Stats fetches the aggregate module stats. Fields for modules the server is
// not running come back nil.
func (c *Client) Stats() (*api.Stats, error) {
	m := &api.Stats{}
	if err := c.getFor(c.BaseURL+api.PathStats, m); err != nil {
		return nil, err
	}

	return m, nil
}

// Publish appends a raw message to the bus and returns the assigned offset.
func (c *Client) Publish(req *api.PublishRequest) (*api.PublishResponse, error) {
	m := &api.PublishResponse{}
	if err := c.postFor(c.BaseURL+api.PathPublish, req, m); err != nil {
		return nil, err
	}

	return m, nil
}

// TriggerSync queues a full catalog reindex on the server.
func (c *Client) TriggerSync() (*api.SyncResponse, error) {
	m := &api.SyncResponse{}
	if err := c.postFor(c.BaseURL+api.PathReconcilerSync, nil, m); err != nil {
		return nil, err
	}

	return m, nil
}

// BuildInfo fetches the server's build information.
func (c *Client) BuildInfo() (*api.BuildInfo, error) {
	m := &api.BuildInfo{}
	if err := c.getFor(c.BaseURL+api.PathVersion, m); err != nil {
		return nil, err
	}

	return m, nil
}

// getFor sends a GET request and unmarshals the response into m.
func (c *Client) getFor(url string, m any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	return c.doFor(req, m)
}

// postFor sends body as JSON and unmarshals the response into m. A nil body
// sends an empty request.
func (c *Client) postFor(url string, body, m any) error {
	var reader io.Reader
	if body != nil {
		buf, err := jsoniter.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set(contentTypeHeader, applicationJSON)

	return c.doFor(req, m)
}

func (c *Client) doFor(req *http.Request, m any) error {
	_, body, err := c.doRequest(req)
	if err != nil {
		return err
	}

	if err := jsoniter.Unmarshal(body, m); err != nil {
		return fmt.Errorf("error decoding %T json, err: %w body: %s", m, err, string(body))
	}

	return nil
}

// doRequest sends the given request and handles bad status codes.
func (c *Client) doRequest(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error querying Conveyor %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		body, _ := io.ReadAll(resp.Body)
		return resp, body, fmt.Errorf("%s request to %s failed with response: %d body: %s", req.Method, req.URL.String(), resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response body: %w", err)
	}

	return resp, body, nil
}
