// Package connect implements the connect command, which joins a relay
// server and chats over stdin and stdout.
package connect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"celestenet/netcore/cmd/shared"
	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/entrypoint"
	"celestenet/netcore/pkg/log"

	"github.com/urfave/cli/v3"
)

// GetCommand returns the CLI command for connect mode.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "connect",
		Usage:       "Connect to a relay server and chat",
		Description: shared.GetBaseDescription(),
		ArgsUsage:   shared.GetArgsUsage(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args()
			if args.Len() != 1 {
				return fmt.Errorf("must provide exactly one argument, got %d (%s)", args.Len(), strings.Join(args.Slice(), ", "))
			}

			proto, host, port, err := shared.ParseTransport(args.Get(0))
			if err != nil {
				return fmt.Errorf("parsing transport: %s", err)
			}
			if host == "" {
				return fmt.Errorf("parsing transport: %s: specify a host", args.Get(0))
			}

			cfg := &config.Shared{
				Protocol: proto,
				Host:     host,
				Port:     port,
				Verbose:  cmd.Bool(shared.VerboseFlag),
				Timeout:  time.Duration(cmd.Int(shared.TimeoutFlag)) * time.Millisecond,
			}

			cCfg := &config.Client{
				Name:    cmd.String(shared.NameFlag),
				UDP:     !cmd.Bool(shared.NoUDPFlag),
				Capture: cmd.String(shared.CaptureFlag),
			}

			if errors := config.Validate(cfg, cCfg); len(errors) > 0 {
				logger := log.NewLogger(false)
				logger.ErrorMsg("Argument validation errors:")
				for _, err := range errors {
					logger.ErrorMsg(" - %s", err)
				}
				return fmt.Errorf("exiting")
			}

			return entrypoint.Connect(ctx, cfg, cCfg)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetConnectFlags()...)

	return flags
}
