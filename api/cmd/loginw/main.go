// loginw is the privileged session/seat broker. It forks an
// unprivileged compositor child over a pre-connected socket, then
// enters a capability sandbox and services the child's device and VT
// requests until the child exits.
//
// Usage: loginw <program> [args...]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/loginw/loginw/api/pkg/broker"
	"github.com/loginw/loginw/api/pkg/procutil"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: loginw <program> [args...]")
		os.Exit(1)
	}
	childPath, childArgs := os.Args[1], os.Args[2:]

	// dev_dir is opened before anything else that might fail: once the
	// sandbox is entered below, absolute-path opens are forbidden, so
	// every device this broker ever hands out resolves relative to
	// this descriptor.
	devDir, err := unix.Open("/dev", unix.O_DIRECTORY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		logger.Error("open /dev", "error", err)
		os.Exit(1)
	}

	child, conn, err := procutil.ForkChild(childPath, childArgs)
	if err != nil {
		logger.Error("fork compositor child", "error", err)
		os.Exit(1)
	}
	logger.Info("forked compositor child", "pid", child.Pid, "path", childPath)

	if err := procutil.Sandbox(); err != nil {
		logger.Error("enter capability sandbox", "error", err)
		os.Exit(1)
	}
	logger.Info("entered capability sandbox")

	if err := broker.Run(context.Background(), logger, conn, devDir, child); err != nil {
		logger.Error("broker event loop exited with error", "error", err)
		os.Exit(1)
	}
}
