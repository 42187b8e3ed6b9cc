package main

import (
	"fmt"
	"io"
	"os"

	"github.com/catalogkit/conveyor/pkg/api"
)

type publishCmd struct {
	Topic     string `arg:"" help:"Topic to publish to."`
	EventType string `arg:"" help:"Event type stamped on the message."`
	Payload   string `arg:"" optional:"" help:"Message payload json. Empty or - reads stdin."`

	PartitionKey string            `help:"Partition key for ordered delivery."`
	Header       map[string]string `help:"Extra message headers."`
}

func (cmd *publishCmd) Run(opts *globalOptions) error {
	payload := []byte(cmd.Payload)
	if cmd.Payload == "" || cmd.Payload == "-" {
		var err error
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("error reading payload from stdin: %w", err)
		}
	}

	resp, err := newClient(opts).Publish(&api.PublishRequest{
		Topic:        cmd.Topic,
		EventType:    cmd.EventType,
		Payload:      payload,
		PartitionKey: cmd.PartitionKey,
		Headers:      cmd.Header,
	})
	if err != nil {
		return err
	}

	return printAsJSON(resp)
}
