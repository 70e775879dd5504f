//go:build !unix

package cli

import "context"

// onPauseToggle is unsupported without SIGUSR1.
func onPauseToggle(ctx context.Context, fn func()) {}
