package main

import (
	"fmt"
)

type syncCmd struct{}

func (cmd *syncCmd) Run(opts *globalOptions) error {
	resp, err := newClient(opts).TriggerSync()
	if err != nil {
		return err
	}

	if resp.Coalesced {
		fmt.Println("sync already queued, trigger coalesced")
		return nil
	}

	fmt.Println("full sync queued")
	return nil
}
