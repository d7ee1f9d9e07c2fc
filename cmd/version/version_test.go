package version

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()

	if cmd.Name != "version" {
		t.Errorf("command name = %q; want %q", cmd.Name, "version")
	}
	if cmd.Usage == "" {
		t.Error("command usage should not be empty")
	}
	if cmd.Action == nil {
		t.Fatal("command action should not be nil")
	}
}

func TestVersionCommand_Run(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := &cli.Command{
		Name:     "netcore",
		Writer:   &out,
		Commands: []*cli.Command{GetCommand()},
	}

	if err := root.Run(context.Background(), []string{"netcore", "version"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "netcore "+Version {
		t.Errorf("output = %q", got)
	}
}
