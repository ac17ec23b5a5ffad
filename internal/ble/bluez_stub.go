//go:build !linux

package ble

import "fmt"

// NewBlueZStack is only available on Linux.
func NewBlueZStack(adapterID string) (Stack, error) {
	return nil, fmt.Errorf("ble: bluez backend (adapter %s): %w", adapterID, ErrUnsupported)
}
