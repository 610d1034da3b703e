//go:build linux

package hci

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newHostDevice() (ble.Device, error) {
	return linux.NewDevice()
}
