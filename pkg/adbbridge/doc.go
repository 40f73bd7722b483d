// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

/*
Package adbbridge provides a Go library for maintaining a managed ADB
connection to a single Android device, speaking the ADB wire protocol
directly over USB or TCP without an adb server binary.

# Overview

The library owns exactly one device session at a time. Every operation
verifies the session first and transparently rebuilds it when the device
rebooted, dropped off the network, or was replugged, so callers never manage
connection state themselves.

# Quick Start

	import "github.com/phurth/hacs-adb-connector/pkg/adbbridge"

	func main() {
		br, err := adbbridge.NewWithOptions(adbbridge.Options{
			Transport: "tcp",
			Host:      "192.168.1.50",
		})
		if err != nil {
			log.Fatal(err)
		}
		defer br.Disconnect()

		snap, err := br.Status()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(snap.Serial, snap.WifiIP)
	}

# Key Concepts

**Session**: One authenticated ADB connection. The device must approve the
host's RSA key the first time ("Allow USB debugging?"); the keypair is
generated automatically and reused afterwards.

**Snapshot**: The device state observed by one refresh: connectivity,
serial, WiFi address, and whether wireless ADB is enabled. Field reads are
best-effort, so one failing property never hides the rest.

**Wireless ADB**: EnableWirelessADB switches the device's adbd to TCP/IP
mode and returns the device IP, captured before the daemon restarts. The
endpoint is cached so a later USB outage can still report wireless
reachability.

# Watching

Watch polls the device on a fixed interval and delivers each snapshot to a
callback. Failed refreshes back off exponentially up to the interval and
recover immediately on the first success.

# Thread Safety

Bridge methods are safe for concurrent use. Calls serialize internally onto
the single session, since ADB frames from interleaved writers would corrupt
the stream.

# Requirements

  - TCP transport: the device reachable on its wireless ADB port
    (usually 5555)
  - USB transport: libusb and permission to open the device node
  - No adb server or Android SDK installation is needed

# License

AGPL-3.0-only

Copyright (C) 2026 phurth
*/
package adbbridge
