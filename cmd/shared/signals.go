package shared

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"
)

// ShutdownGrace is how long a canceled command may take to close its
// connections before the process exits anyway.
const ShutdownGrace = 5 * time.Second

// SetupSignalHandling cancels on the first interrupt so servers can send
// their disconnect packets, and exits on the second one or once
// ShutdownGrace has passed.
func SetupSignalHandling(cancel context.CancelFunc) {
	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		// A peer vanishing mid-write must not kill the relay.
		signal.Ignore(syscall.SIGPIPE)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, sigs...)

	go handleSignals(sigCh, cancel, ShutdownGrace, os.Exit)
}

func handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, grace time.Duration, exit func(int)) {
	s := <-sigCh
	cancel()

	select {
	case <-sigCh:
		exit(exitCode(s))
	case <-time.After(grace):
		exit(0)
	}
}

// exitCode follows the shell convention of 128 plus the signal number.
func exitCode(s os.Signal) int {
	if ss, ok := s.(syscall.Signal); ok {
		return 128 + int(ss)
	}
	return 1
}
