package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"

	"github.com/catalogkit/conveyor/pkg/httpclient"
)

var cli struct {
	globalOptions

	Stats   statsCmd   `cmd:"" help:"Show broker, outbox, consumer group, reconciler and index stats."`
	Publish publishCmd `cmd:"" help:"Publish a raw message to the bus."`
	Sync    syncCmd    `cmd:"" help:"Trigger a full catalog reindex."`
	Version versionCmd `cmd:"" help:"Show the server's build information."`
}

type globalOptions struct {
	Endpoint string `help:"Conveyor API endpoint." default:"http://localhost:3200"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("conveyor-cli"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

func newClient(opts *globalOptions) *httpclient.Client {
	return httpclient.New(opts.Endpoint)
}

func printAsJSON(value any) error {
	out, err := jsoniter.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}
