package device

import (
	"context"
	"time"
)

// CapabilityKind is the coordinate capability resolved for a session.
type CapabilityKind uint8

const (
	// RelativeOnly means no authoritative position source is in use.
	RelativeOnly CapabilityKind = iota
	// AbsoluteCapable means positions can be queried authoritatively.
	AbsoluteCapable
)

// String returns the capability name.
func (k CapabilityKind) String() string {
	if k == AbsoluteCapable {
		return "absolute"
	}
	return "relative"
}

// Capability is resolved once at session start so hot paths never
// null-check optional collaborators.
type Capability struct {
	Kind CapabilityKind

	// Position is non-nil only for AbsoluteCapable.
	Position PositionSource

	// Warper is non-nil when the position backend can warp the cursor.
	Warper DirectWarper
}

// IsAbsolute reports whether absolute coordinates are in use.
func (c Capability) IsAbsolute() bool {
	return c.Kind == AbsoluteCapable
}

// Resolve picks the session capability. Absolute mode requires both a
// position source and the caller's preference.
func Resolve(pos PositionSource, preferAbsolute bool) Capability {
	if pos == nil || !preferAbsolute {
		return Capability{Kind: RelativeOnly}
	}
	c := Capability{Kind: AbsoluteCapable, Position: pos}
	if w, ok := pos.(DirectWarper); ok {
		c.Warper = w
	}
	return c
}

type point struct {
	x, y int
	ok   bool
}

// QueryPosition asks src for the cursor position, giving up after timeout
// even if the backend ignores its context.
func QueryPosition(ctx context.Context, src PositionSource, timeout time.Duration) (x, y int, ok bool) {
	return query(ctx, timeout, src.AbsolutePosition)
}

// QueryResolution asks src for the screen resolution with a hard timeout.
func QueryResolution(ctx context.Context, src PositionSource, timeout time.Duration) (w, h int, ok bool) {
	return query(ctx, timeout, src.ScreenResolution)
}

func query(ctx context.Context, timeout time.Duration, fn func(context.Context) (int, int, bool)) (int, int, bool) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan point, 1)
	go func() {
		x, y, ok := fn(ctx)
		result <- point{x, y, ok}
	}()

	select {
	case p := <-result:
		return p.x, p.y, p.ok
	case <-ctx.Done():
		return 0, 0, false
	}
}
