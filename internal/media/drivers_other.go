//go:build !linux

package media

// No capture drivers are registered on this platform; Acquire fails
// with ErrDeviceUnavailable. StaticSource remains available.
