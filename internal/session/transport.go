// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package session holds one authenticated connection to a device and runs
// commands over it.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/phurth/hacs-adb-connector/internal/wire"
)

type transportKind int

const (
	kindUSB transportKind = iota
	kindTCP
)

// Transport describes how to reach the device. Immutable value type.
type Transport struct {
	kind   transportKind
	serial string
	host   string
	port   uint16
}

// USB addresses a device on the USB bus, optionally pinned to a serial number.
func USB(serial string) Transport {
	return Transport{kind: kindUSB, serial: serial}
}

// TCP addresses a device's network adbd.
func TCP(host string, port uint16) Transport {
	return Transport{kind: kindTCP, host: host, port: port}
}

// IsUSB reports whether this transport goes over the USB bus.
func (t Transport) IsUSB() bool { return t.kind == kindUSB }

// Serial returns the configured USB serial, if any.
func (t Transport) Serial() string { return t.serial }

// Addr returns the TCP endpoint, empty for USB.
func (t Transport) Addr() string {
	if t.kind != kindTCP {
		return ""
	}
	return net.JoinHostPort(t.host, fmt.Sprint(t.port))
}

func (t Transport) String() string {
	switch t.kind {
	case kindUSB:
		if t.serial != "" {
			return "usb:" + t.serial
		}
		return "usb"
	default:
		return "tcp:" + t.Addr()
	}
}

// dial opens the transport-level byte stream, without any ADB handshake.
func (t Transport) dial(timeout time.Duration) (wire.Conn, error) {
	switch t.kind {
	case kindTCP:
		conn, err := net.DialTimeout("tcp", t.Addr(), timeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return dialUSB(t.serial, timeout)
	}
}
