package projector

import (
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/cache"
	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/search"
)

type projectorHarness struct {
	broker *bus.MemoryBroker
	groups *bus.GroupManager
	index  *search.MemoryIndex
}

func startProjector(t *testing.T, workers int) *projectorHarness {
	logger := log.NewNopLogger()

	var consumerCfg bus.ConsumerConfig
	consumerCfg.RegisterFlagsAndApplyDefaults("consumer", flag.NewFlagSet("", flag.PanicOnError))
	consumerCfg.PollInterval = 10 * time.Millisecond
	consumerCfg.RetryDelay = 10 * time.Millisecond

	var searchCfg search.Config
	searchCfg.RegisterFlagsAndApplyDefaults("search", flag.NewFlagSet("", flag.PanicOnError))
	searchCfg.Sync.ConsumerWorkers = workers

	h := &projectorHarness{
		broker: bus.NewMemoryBroker(logger),
		index:  search.NewMemoryIndex(),
	}
	h.groups = bus.NewGroupManager(consumerCfg, h.broker, logger)

	// ttl 0 keeps the lru from spawning its expiry loop, which would trip goleak
	p := New(searchCfg, h.groups, h.index, cache.NewLRU(cache.LRUConfig{Size: 1000}, 0), logger)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})

	return h
}

func (h *projectorHarness) publish(t *testing.T, ev catalog.Event) {
	t.Helper()
	buf, err := catalog.EncodeEvent(ev)
	require.NoError(t, err)
	_, err = h.broker.Publish(context.Background(), bus.NewMessage(bus.TopicProductEvents, ev.EventType(), buf))
	require.NoError(t, err)
}

func (h *projectorHarness) waitForDocument(t *testing.T, productID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := h.index.Get(context.Background(), productID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func projectorProduct(id string, price float64) catalog.Product {
	ts := time.Date(2023, 11, 5, 9, 0, 0, 0, time.UTC)
	return catalog.Product{
		ID:            id,
		Name:          "Trail Runner",
		Description:   "Lightweight trail shoe",
		SKU:           "TR-100",
		Price:         price,
		Categories:    []string{"shoes", "running"},
		Attributes:    map[string]string{"brand": "acme"},
		StockQuantity: 5,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

func TestProjectorAppliesLifecycleEvents(t *testing.T) {
	// registered before startProjector so this runs after its stop cleanup
	leakOpts := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpts) })

	h := startProjector(t, 1)
	ctx := context.Background()

	h.publish(t, catalog.ProductCreated{Product: projectorProduct("p-1", 129.99)})
	h.waitForDocument(t, "p-1")

	doc, err := h.index.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, "Trail Runner", doc.Name)
	require.Equal(t, "100-200", doc.PriceRange)
	require.True(t, doc.InStock)

	updated := projectorProduct("p-1", 59.99)
	updated.Name = "Trail Runner v2"
	h.publish(t, catalog.ProductUpdated{Product: updated})
	require.Eventually(t, func() bool {
		doc, err := h.index.Get(ctx, "p-1")
		return err == nil && doc.Name == "Trail Runner v2" && doc.PriceRange == "50-100"
	}, 5*time.Second, 20*time.Millisecond)

	h.publish(t, catalog.ProductInventoryChanged{ProductID: "p-1", StockQuantity: 0})
	require.Eventually(t, func() bool {
		doc, err := h.index.Get(ctx, "p-1")
		return err == nil && !doc.InStock
	}, 5*time.Second, 20*time.Millisecond)

	h.publish(t, catalog.ProductDeleted{ProductID: "p-1"})
	require.Eventually(t, func() bool {
		_, err := h.index.Get(ctx, "p-1")
		return errors.Is(err, search.ErrDocumentNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProjectorCountsEngagement(t *testing.T) {
	h := startProjector(t, 1)
	ctx := context.Background()

	h.publish(t, catalog.ProductCreated{Product: projectorProduct("p-1", 20)})
	h.waitForDocument(t, "p-1")

	for i := 0; i < 3; i++ {
		h.publish(t, catalog.ProductViewed{ProductID: "p-1"})
	}
	h.publish(t, catalog.ProductPurchased{ProductID: "p-1", Quantity: 4})
	h.publish(t, catalog.ProductPurchased{ProductID: "p-1", Quantity: 1})

	require.Eventually(t, func() bool {
		doc, err := h.index.Get(ctx, "p-1")
		return err == nil && doc.ClickCount == 3 && doc.PurchaseCount == 2
	}, 5*time.Second, 20*time.Millisecond)

	// two purchase events count 2 regardless of quantities
	doc, err := h.index.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, int64(23), doc.PopularityScore)
}

func TestProjectorSkipsDuplicateDeliveries(t *testing.T) {
	// registered before startProjector so this runs after its stop cleanup
	leakOpts := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpts) })

	// both workers consume the full topic, so every event arrives twice
	h := startProjector(t, 2)
	ctx := context.Background()

	h.publish(t, catalog.ProductCreated{Product: projectorProduct("p-1", 20)})
	h.waitForDocument(t, "p-1")

	h.publish(t, catalog.ProductViewed{ProductID: "p-1"})

	require.Eventually(t, func() bool {
		gs, err := h.groups.GroupStats(GroupID)
		return err == nil && gs.ProcessedMessages >= 4
	}, 5*time.Second, 20*time.Millisecond)

	doc, err := h.index.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.ClickCount)
	require.EqualValues(t, 1, doc.ClickCount+doc.PurchaseCount)
}

func TestProjectorDeadLettersBadPayload(t *testing.T) {
	h := startProjector(t, 1)

	_, err := h.broker.Publish(context.Background(),
		bus.NewMessage(bus.TopicProductEvents, "Mystery", []byte("{not an envelope")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		gs, err := h.groups.GroupStats(GroupID)
		return err == nil && gs.DeadLetterMessages == 1
	}, 5*time.Second, 20*time.Millisecond)

	// decode failures are permanent, no redelivery happens
	gs, err := h.groups.GroupStats(GroupID)
	require.NoError(t, err)
	require.Zero(t, gs.RetriedMessages)
}

func TestProjectorToleratesEarlyCounterEvents(t *testing.T) {
	h := startProjector(t, 1)
	ctx := context.Background()

	h.publish(t, catalog.ProductViewed{ProductID: "ghost"})

	require.Eventually(t, func() bool {
		gs, err := h.groups.GroupStats(GroupID)
		return err == nil && gs.ProcessedMessages == 1
	}, 5*time.Second, 20*time.Millisecond)

	gs, err := h.groups.GroupStats(GroupID)
	require.NoError(t, err)
	require.Zero(t, gs.DeadLetterMessages)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
