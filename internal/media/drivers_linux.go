//go:build linux

package media

import (
	// Driver registration — blank imports make the V4L2 camera, malgo
	// microphone and X11 screen drivers discoverable by GetUserMedia /
	// GetDisplayMedia.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
