package main

type versionCmd struct{}

func (cmd *versionCmd) Run(opts *globalOptions) error {
	info, err := newClient(opts).BuildInfo()
	if err != nil {
		return err
	}

	return printAsJSON(info)
}
