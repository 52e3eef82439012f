//go:build unix

package visibility

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalSource reports a background -> foreground transition whenever the
// process is continued after a stop (SIGCONT).
func SignalSource() Source {
	return func(ctx context.Context, emit func(State)) {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGCONT)
		defer signal.Stop(sig)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				emit(StateHidden)
				emit(StateVisible)
			}
		}
	}
}
