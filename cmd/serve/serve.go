// Package serve implements the serve command, which runs a relay server
// forwarding chat and player states between its clients.
package serve

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

// GetCommand returns the CLI command for serve mode.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Run a relay server",
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

			cfg := &config.Shared{
				Protocol: proto,
				Host:     host,
				Port:     port,
				Verbose:  cmd.Bool(shared.VerboseFlag),
				Timeout:  time.Duration(cmd.Int(shared.TimeoutFlag)) * time.Millisecond,
			}

			sCfg := config.DefaultServer()
			if path := cmd.String(shared.ConfigFlag); path != "" {
				if err := config.LoadServer(path, sCfg); err != nil {
					return fmt.Errorf("loading configuration: %s", err)
				}
			}
			applyFlags(cmd, sCfg)

			if errors := config.Validate(cfg, sCfg); len(errors) > 0 {
				logger := log.NewLogger(false)
				logger.ErrorMsg("Argument validation errors:")
				for _, err := range errors {
					logger.ErrorMsg(" - %s", err)
				}
				return fmt.Errorf("exiting")
			}

			return entrypoint.Serve(ctx, cfg, sCfg)
		},
		Flags: getFlags(),
	}
}

// applyFlags overrides file values with the flags given explicitly.
func applyFlags(cmd *cli.Command, cfg *config.Server) {
	if cmd.IsSet(shared.NoUDPFlag) {
		cfg.UDP = !cmd.Bool(shared.NoUDPFlag)
	}
	if cmd.IsSet(shared.MaxConnectionsFlag) {
		cfg.MaxConnections = int(cmd.Int(shared.MaxConnectionsFlag))
	}
	if cmd.IsSet(shared.MetricsFlag) {
		cfg.MetricsAddr = cmd.String(shared.MetricsFlag)
	}
	cfg.BannedNames = append(cfg.BannedNames, cmd.StringSlice(shared.BanFlag)...)
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetServeFlags()...)

	return flags
}
