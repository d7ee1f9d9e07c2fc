package main

import (
	"context"
	"fmt"
	"os"

	"celestenet/netcore/cmd/connect"
	"celestenet/netcore/cmd/serve"
	"celestenet/netcore/cmd/shared"
	"celestenet/netcore/cmd/version"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared.SetupSignalHandling(cancel)

	cmd := &cli.Command{
		Name:  "netcore",
		Usage: "relay transport with a TCP control stream and a UDP fast path",
		Commands: []*cli.Command{
			serve.GetCommand(),
			connect.GetCommand(),
			version.GetCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[!] Error: %s\n", err)
		os.Exit(1)
	}
}
