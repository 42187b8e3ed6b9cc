package app

import (
	"errors"
	"net/http"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"

	"github.com/catalogkit/conveyor/pkg/api"
	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/util/log"
)

// statsHandler reports broker, outbox, consumer group, reconciler and index
// state. The handler checks each module at request time because the api
// module does not depend on the modules it reports on.
func (t *App) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp api.Stats

		if t.broker != nil {
			stats := t.broker.Stats()
			resp.Broker = &stats
		}

		if t.outboxStore != nil {
			stats, err := t.outboxStore.Stats(r.Context())
			if err != nil {
				http.Error(w, "error reading outbox stats: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Outbox = &stats
		}

		if t.groups != nil {
			resp.ConsumerGroups = t.groups.Stats()
		}

		if t.reconciler != nil {
			status, err := t.reconciler.Status(r.Context())
			if err != nil {
				http.Error(w, "error reading reconciler status: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Reconciler = &status
		}

		if t.index != nil {
			docs, err := t.index.Count(r.Context())
			if err != nil {
				http.Error(w, "error counting index documents: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp.SearchIndex = &api.SearchIndexStats{Documents: docs}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// publishHandler accepts a raw message and appends it to the bus. It exists
// for operational poking and for producers that live outside the outbox
// write path.
func (t *App) publishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.broker == nil {
			http.Error(w, "bus is not running", http.StatusServiceUnavailable)
			return
		}

		var req api.PublishRequest
		if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "error decoding publish request: "+err.Error(), http.StatusBadRequest)
			return
		}

		msg := bus.NewMessage(req.Topic, req.EventType, req.Payload)
		msg.PartitionKey = req.PartitionKey
		for k, v := range req.Headers {
			msg = msg.WithHeader(k, v)
		}

		published, err := t.broker.Publish(r.Context(), msg)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, bus.ErrEmptyTopic) {
				code = http.StatusBadRequest
			}
			http.Error(w, "error publishing message: "+err.Error(), code)
			return
		}

		writeJSON(w, http.StatusOK, api.PublishResponse{
			ID:     published.ID,
			Topic:  published.Topic,
			Offset: published.Offset,
		})
	}
}

// syncHandler queues a full reindex. Always 202: a trigger arriving while a
// sync is already queued coalesces with it, and the response says so.
func (t *App) syncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.reconciler == nil {
			http.Error(w, "reconciler is not running", http.StatusServiceUnavailable)
			return
		}

		queued := t.reconciler.TriggerSync()
		writeJSON(w, http.StatusAccepted, api.SyncResponse{
			Status:    "accepted",
			Coalesced: !queued,
		})
	}
}

func versionHandler() http.HandlerFunc {
	info := api.BuildInfo{
		Version:  version.Version,
		Revision: version.Revision,
		Branch:   version.Branch,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	out, err := jsoniter.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(out); err != nil {
		level.Error(log.Logger).Log("msg", "error writing response", "err", err)
	}
}
