// Package shared provides common CLI flag definitions and utility functions
// used across netcore's command-line interface.
package shared

import (
	"strings"

	"github.com/urfave/cli/v3"
)

const categoryCommon = "common"

// VerboseFlag is the name of the flag to enable verbose logging.
const VerboseFlag = "verbose"

// TimeoutFlag is the name of the flag to specify the handshake timeout in milliseconds.
const TimeoutFlag = "timeout"

// GetBaseDescription returns the base description text for the transport
// argument of the CLI commands.
func GetBaseDescription() string {
	return strings.Join([]string{
		"Specify transport like this: tcp://127.0.0.1:17230 (supports tcp|ws)",
		"You can omit the host when serving to bind to all interfaces.",
	}, "\n")
}

// GetArgsUsage returns the arguments usage string for CLI commands.
func GetArgsUsage() string {
	return "transport"
}

// GetCommonFlags returns the CLI flags used by both serve and connect.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose logging",
			Category: categoryCommon,
			Value:    false,
			Required: false,
		},
		&cli.IntFlag{
			Name:     TimeoutFlag,
			Aliases:  []string{"t"},
			Usage:    "Handshake timeout in milliseconds",
			Category: categoryCommon,
			Value:    10000, // 10 seconds default
			Required: false,
		},
	}
}

const categoryServe = "serve"

// ConfigFlag is the name of the flag to load the server configuration from YAML.
const ConfigFlag = "config"

// NoUDPFlag is the name of the flag that disables UDP.
const NoUDPFlag = "no-udp"

// MaxConnectionsFlag is the name of the flag to bound concurrent connections.
const MaxConnectionsFlag = "max-connections"

// MetricsFlag is the name of the flag to serve prometheus metrics.
const MetricsFlag = "metrics"

// BanFlag is the name of the flag to ban player names.
const BanFlag = "ban"

// GetServeFlags returns the CLI flags specific to serve mode. They
// override values from the configuration file.
func GetServeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     ConfigFlag,
			Aliases:  []string{"c"},
			Usage:    "YAML server configuration file",
			Category: categoryServe,
			Value:    "",
			Required: false,
		},
		&cli.BoolFlag{
			Name:     NoUDPFlag,
			Usage:    "Disable the UDP fast path",
			Category: categoryServe,
			Value:    false,
			Required: false,
		},
		&cli.IntFlag{
			Name:     MaxConnectionsFlag,
			Aliases:  []string{"m"},
			Usage:    "Maximum number of concurrent connections",
			Category: categoryServe,
			Value:    256,
			Required: false,
		},
		&cli.StringFlag{
			Name:     MetricsFlag,
			Usage:    "Serve prometheus metrics on this address, e.g. :9100",
			Category: categoryServe,
			Value:    "",
			Required: false,
		},
		&cli.StringSliceFlag{
			Name:     BanFlag,
			Usage:    "Player name to reject, may be repeated",
			Category: categoryServe,
			Value:    []string{},
			Required: false,
		},
	}
}

const categoryConnect = "connect"

// NameFlag is the name of the flag to specify the player name.
const NameFlag = "name"

// CaptureFlag is the name of the flag to dump the control stream to a file.
const CaptureFlag = "capture"

// GetConnectFlags returns the CLI flags specific to connect mode.
func GetConnectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     NameFlag,
			Aliases:  []string{"n"},
			Usage:    "Player name",
			Category: categoryConnect,
			Required: true,
		},
		&cli.BoolFlag{
			Name:     NoUDPFlag,
			Usage:    "Do not offer UDP, use TCP only",
			Category: categoryConnect,
			Value:    false,
			Required: false,
		},
		&cli.StringFlag{
			Name:     CaptureFlag,
			Usage:    "Dump the raw control stream to this file",
			Category: categoryConnect,
			Value:    "",
			Required: false,
		},
	}
}
