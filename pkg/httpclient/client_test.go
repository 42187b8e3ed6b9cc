package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/conveyor/pkg/api"
)

type MockRoundTripper func(r *http.Request) *http.Response

func (f MockRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r), nil
}

func jsonResponse(t *testing.T, code int, v any) *http.Response {
	t.Helper()
	buf, err := jsoniter.Marshal(v)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewReader(buf)),
	}
}

func TestStats(t *testing.T) {
	t.Run("returns aggregated stats", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, api.PathStats, req.URL.Path)
			return jsonResponse(t, 200, api.Stats{
				SearchIndex: &api.SearchIndexStats{Documents: 12},
			})
		})

		client := New("http://conveyor")
		client.WithTransport(mockTransport)
		stats, err := client.Stats()

		assert.NoError(t, err)
		require.NotNil(t, stats.SearchIndex)
		assert.EqualValues(t, 12, stats.SearchIndex.Documents)
		assert.Nil(t, stats.Broker)
	})

	t.Run("surfaces server errors with the body", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
			return &http.Response{
				StatusCode: 500,
				Body:       io.NopCloser(bytes.NewReader([]byte("stats exploded"))),
			}
		})

		client := New("http://conveyor")
		client.WithTransport(mockTransport)
		stats, err := client.Stats()

		assert.ErrorContains(t, err, "500")
		assert.ErrorContains(t, err, "stats exploded")
		assert.Nil(t, stats)
	})
}

func TestPublish(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, api.PathPublish, req.URL.Path)
		assert.Equal(t, applicationJSON, req.Header.Get(contentTypeHeader))

		var sent api.PublishRequest
		assert.NoError(t, jsoniter.NewDecoder(req.Body).Decode(&sent))
		assert.Equal(t, "product-events", sent.Topic)

		return jsonResponse(t, 200, api.PublishResponse{
			ID:     "m-1",
			Topic:  sent.Topic,
			Offset: 7,
		})
	})

	client := New("http://conveyor")
	client.WithTransport(mockTransport)
	resp, err := client.Publish(&api.PublishRequest{
		Topic:     "product-events",
		EventType: "ProductViewed",
		Payload:   []byte(`{"type":"ProductViewed","data":{"productId":"p-1"}}`),
	})

	assert.NoError(t, err)
	assert.Equal(t, "m-1", resp.ID)
	assert.EqualValues(t, 7, resp.Offset)
}

func TestTriggerSync(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, api.PathReconcilerSync, req.URL.Path)
		return jsonResponse(t, 202, api.SyncResponse{Status: "accepted"})
	})

	client := New("http://conveyor")
	client.WithTransport(mockTransport)
	resp, err := client.TriggerSync()

	assert.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.False(t, resp.Coalesced)
}

func TestBuildInfo(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, api.PathVersion, req.URL.Path)
		return jsonResponse(t, 200, api.BuildInfo{Version: "1.2.3", Branch: "main"})
	})

	client := New("http://conveyor")
	client.WithTransport(mockTransport)
	info, err := client.BuildInfo()

	assert.NoError(t, err)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "main", info.Branch)
}
