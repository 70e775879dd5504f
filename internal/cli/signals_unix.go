//go:build unix

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// onPauseToggle calls fn for every SIGUSR1 until ctx is done.
func onPauseToggle(ctx context.Context, fn func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				fn()
			}
		}
	}()
}
