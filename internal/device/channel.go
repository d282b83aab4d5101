// Package device drives one emulator instance.
package device

import (
	"context"
	"image"
	"time"
)

// ConnState is the coarse reachability of a device.
type ConnState int

const (
	Offline ConnState = iota
	Booting
	Online
)

func (s ConnState) String() string {
	switch s {
	case Online:
		return "online"
	case Booting:
		return "booting"
	default:
		return "offline"
	}
}

// Android key codes used by flows.
const (
	KeyBack    = 4
	KeyDel     = 67
	KeyMoveEnd = 123
)

// Channel is the control surface of one device. Every call is a single
// bounded primitive; callers own retries and waits.
type Channel interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error
	TypeText(ctx context.Context, s string) error
	KeyEvent(ctx context.Context, code int) error
	CaptureFrame(ctx context.Context) (image.Image, error)
	IsAppForeground(ctx context.Context, pkg string) (bool, error)
	LaunchApp(ctx context.Context, pkg, activity string) (bool, error)
	ConnectionState(ctx context.Context) (ConnState, error)
}
