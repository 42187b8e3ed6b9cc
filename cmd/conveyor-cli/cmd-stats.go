package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

type statsCmd struct {
	JSON bool `help:"Dump the raw stats response as json."`
}

func (cmd *statsCmd) Run(opts *globalOptions) error {
	stats, err := newClient(opts).Stats()
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(stats)
	}

	out := make([][]string, 0)
	if stats.Broker != nil {
		out = append(out,
			[]string{"broker", "topics", strconv.Itoa(stats.Broker.Topics)},
			[]string{"broker", "groups", strconv.Itoa(stats.Broker.Groups)},
			[]string{"broker", "total messages", strconv.FormatInt(stats.Broker.TotalMessages, 10)},
		)
	}
	if stats.Outbox != nil {
		out = append(out,
			[]string{"outbox", "pending", strconv.FormatInt(stats.Outbox.Pending, 10)},
			[]string{"outbox", "retrying", strconv.FormatInt(stats.Outbox.Retrying, 10)},
			[]string{"outbox", "dead lettered", strconv.FormatInt(stats.Outbox.DeadLettered, 10)},
			[]string{"outbox", "processed", strconv.FormatInt(stats.Outbox.Processed, 10)},
		)
	}
	if stats.Reconciler != nil {
		out = append(out,
			[]string{"reconciler", "in sync", strconv.FormatBool(stats.Reconciler.InSync)},
			[]string{"reconciler", "catalog products", strconv.FormatInt(stats.Reconciler.CatalogProducts, 10)},
			[]string{"reconciler", "index documents", strconv.FormatInt(stats.Reconciler.IndexDocuments, 10)},
			[]string{"reconciler", "last full sync", formatSyncTime(stats.Reconciler.LastFullSync)},
			[]string{"reconciler", "last incremental sync", formatSyncTime(stats.Reconciler.LastIncrementalSync)},
		)
		if stats.Reconciler.LastError != "" {
			out = append(out, []string{"reconciler", "last error", stats.Reconciler.LastError})
		}
	}
	if stats.SearchIndex != nil {
		out = append(out, []string{"search index", "documents", strconv.FormatInt(stats.SearchIndex.Documents, 10)})
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"module", "metric", "value"})
	w.AppendBulk(out)
	w.Render()

	if len(stats.ConsumerGroups) > 0 {
		rows := make([][]string, 0, len(stats.ConsumerGroups))
		for _, g := range stats.ConsumerGroups {
			rows = append(rows, []string{
				g.GroupID,
				strings.Join(g.Topics, ","),
				strconv.Itoa(g.WorkerCount),
				strconv.FormatBool(g.Running),
				strconv.FormatInt(g.ProcessedMessages, 10),
				strconv.FormatInt(g.RetriedMessages, 10),
				strconv.FormatInt(g.DeadLetterMessages, 10),
			})
		}

		fmt.Println()
		w = tablewriter.NewWriter(os.Stdout)
		w.SetHeader([]string{"group", "topics", "workers", "running", "processed", "retried", "dead lettered"})
		w.AppendBulk(rows)
		w.Render()
	}

	return nil
}

func formatSyncTime(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return ts.Format(time.RFC3339)
}
