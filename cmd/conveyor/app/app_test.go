package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/conveyor/pkg/api"
	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/util"
)

func TestApp_RunStop(t *testing.T) {
	config := NewDefaultConfig()
	config.Server.HTTPListenPort = util.MustGetFreePort()
	config.Server.GRPCListenPort = util.MustGetFreePort() // not used in the test; set to ensure conflict-free start
	config.Outbox.ProcessingInterval = 10 * time.Millisecond
	config.Outbox.RetryInterval = 10 * time.Millisecond
	config.Bus.Consumer.PollInterval = 10 * time.Millisecond
	config.Bus.Consumer.RetryDelay = 10 * time.Millisecond

	app, err := New(*config)
	require.NoError(t, err)

	// start Conveyor
	runDone := make(chan error, 1)
	go func() { runDone <- app.Run() }()

	// check health endpoint is reachable
	baseURL := fmt.Sprintf("http://localhost:%d", config.Server.HTTPListenPort)
	require.Eventually(t, func() bool {
		resp, httpErr := http.Get(baseURL + "/ready")
		if httpErr != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)

	ctx := context.Background()

	// a product written to the catalog flows through the outbox, the bus and
	// the projector into the search index
	p := catalog.Product{
		ID:            "p-1",
		Name:          "Walnut desk",
		Description:   "Solid walnut writing desk",
		Price:         150,
		Categories:    []string{"furniture"},
		StockQuantity: 4,
	}
	require.NoError(t, app.catalogStore.CreateProduct(ctx, &p))

	require.Eventually(t, func() bool {
		doc, getErr := app.index.Get(ctx, p.ID)
		return getErr == nil && doc.PriceRange == "100-200" && doc.InStock
	}, 10*time.Second, 25*time.Millisecond)

	// raw publishes through the http api reach the projector too
	viewPayload, err := catalog.EncodeEvent(catalog.ProductViewed{ProductID: p.ID})
	require.NoError(t, err)
	body, err := jsoniter.Marshal(api.PublishRequest{
		Topic:     bus.TopicProductEvents,
		EventType: catalog.EventProductViewed,
		Payload:   viewPayload,
	})
	require.NoError(t, err)

	resp, err := http.Post(baseURL+api.PathPublish, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published api.PublishResponse
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&published))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, bus.TopicProductEvents, published.Topic)
	require.NotZero(t, published.Offset)

	require.Eventually(t, func() bool {
		doc, getErr := app.index.Get(ctx, p.ID)
		return getErr == nil && doc.ClickCount == 1
	}, 10*time.Second, 25*time.Millisecond)

	// the dispatcher settles the outbox event it published
	require.Eventually(t, func() bool {
		s, statErr := app.outboxStore.Stats(ctx)
		return statErr == nil && s.Processed == 1 && s.Pending == 0
	}, 10*time.Second, 25*time.Millisecond)

	// stats aggregate every running module
	resp, err = http.Get(baseURL + api.PathStats)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats api.Stats
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&stats))
	require.NoError(t, resp.Body.Close())
	require.NotNil(t, stats.Broker)
	require.NotNil(t, stats.Outbox)
	require.NotNil(t, stats.Reconciler)
	require.NotNil(t, stats.SearchIndex)
	require.NotEmpty(t, stats.ConsumerGroups)
	require.EqualValues(t, 2, stats.Broker.TotalMessages)
	require.EqualValues(t, 1, stats.Outbox.Processed)
	require.EqualValues(t, 1, stats.SearchIndex.Documents)

	// manual reindex trigger
	resp, err = http.Post(baseURL+api.PathReconcilerSync, "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(baseURL + api.PathVersion)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(baseURL + "/config")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))

	// stop Conveyor
	app.Stop()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not return after stop")
	}

	// check health endpoint is not reachable anymore
	require.Eventually(t, func() bool {
		_, httpErr := http.Get(baseURL + "/ready")
		return httpErr != nil
	}, 30*time.Second, 100*time.Millisecond)
}
