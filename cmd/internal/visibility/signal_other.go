//go:build !unix

package visibility

import "context"

// SignalSource is a no-op on platforms without job-control signals.
func SignalSource() Source {
	return func(ctx context.Context, _ func(State)) {
		<-ctx.Done()
	}
}
