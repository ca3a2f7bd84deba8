//go:build !freebsd && !dragonfly

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loginw/loginw/api/pkg/ipcsock"
	"github.com/loginw/loginw/api/pkg/procutil"
)

// Run is unsupported outside freebsd/dragonfly: there is no kqueue,
// process descriptor, or VT subsystem to drive it with.
func Run(ctx context.Context, logger *slog.Logger, conn *ipcsock.Conn, devDir int, child *procutil.ChildHandle) error {
	return fmt.Errorf("broker: event loop only supported on freebsd/dragonfly")
}
