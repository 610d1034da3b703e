//go:build !linux

package hci

import (
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

func newHostDevice() (ble.Device, error) {
	return nil, errors.New("hci backend requires linux")
}
