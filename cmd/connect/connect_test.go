package connect

import (
	"context"
	"strings"
	"testing"
)

func TestGetCommand_ArgumentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no transport", []string{"connect", "--name", "Madeline"}, "exactly one argument"},
		{"bad transport", []string{"connect", "--name", "Madeline", "quic://host:1"}, "parsing transport"},
		{"no host", []string{"connect", "--name", "Madeline", "tcp://:17230"}, "specify a host"},
		{"blank name", []string{"connect", "--name", " ", "tcp://localhost:17230"}, "exiting"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := GetCommand().Run(context.Background(), tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Run(%v) error = %v, want %q", tc.args, err, tc.want)
			}
		})
	}
}
