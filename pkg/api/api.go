package api

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/catalogkit/conveyor/modules/reconciler"
	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/outbox"
)

// HTTP paths served by the api module. The cli and pkg/httpclient build
// requests against the same constants the server registers.
const (
	PathStats          = "/api/stats"
	PathPublish        = "/api/publish"
	PathReconcilerSync = "/api/reconciler/sync"
	PathVersion        = "/status/version"
)

// Stats aggregates whatever modules happen to be running. Absent modules are
// omitted rather than reported as zeroes so a partial target does not look
// like an idle full deployment.
type Stats struct {
	Broker         *bus.BrokerStats       `json:"broker,omitempty"`
	Outbox         *outbox.StoreStats     `json:"outbox,omitempty"`
	ConsumerGroups []bus.GroupStats       `json:"consumerGroups,omitempty"`
	Reconciler     *reconciler.SyncStatus `json:"reconciler,omitempty"`
	SearchIndex    *SearchIndexStats      `json:"searchIndex,omitempty"`
}

type SearchIndexStats struct {
	Documents int64 `json:"documents"`
}

// PublishRequest is the body of POST PathPublish. Payload is carried through
// to the bus untouched.
type PublishRequest struct {
	Topic        string              `json:"topic"`
	EventType    string              `json:"eventType"`
	Payload      jsoniter.RawMessage `json:"payload"`
	PartitionKey string              `json:"partitionKey,omitempty"`
	Headers      map[string]string   `json:"headers,omitempty"`
}

// PublishResponse reports the offset the broker assigned.
type PublishResponse struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Offset int64  `json:"offset"`
}

// SyncResponse is the body of POST PathReconcilerSync. Coalesced is true when
// the trigger merged with a sync that was already queued.
type SyncResponse struct {
	Status    string `json:"status"`
	Coalesced bool   `json:"coalesced"`
}

type BuildInfo struct {
	Version  string `json:"version"`
	Revision string `json:"revision"`
	Branch   string `json:"branch"`
}
