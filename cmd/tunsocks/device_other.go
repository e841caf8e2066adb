//go:build !linux

package main

import (
	"io"

	"github.com/songgao/water"
)

// createTUN lets the platform pick the interface name.
func createTUN(string) (io.ReadWriteCloser, string, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, "", err
	}
	return iface, iface.Name(), nil
}
