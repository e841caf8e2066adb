//go:build linux

package main

import (
	"io"

	"github.com/songgao/water"
)

func createTUN(name string) (io.ReadWriteCloser, string, error) {
	iface, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
	if err != nil {
		return nil, "", err
	}
	return iface, iface.Name(), nil
}
