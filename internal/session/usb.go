// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/phurth/hacs-adb-connector/internal/wire"
)

// ADB's vendor-specific USB interface triple.
const (
	adbClass    gousb.Class    = 0xff
	adbSubClass gousb.Class    = 0x42
	adbProtocol gousb.Protocol = 0x01
)

var errNoUSBDevice = errors.New("no ADB-capable USB device found")

type adbInterface struct {
	config    int
	number    int
	alternate int
	inEp      int
	outEp     int
}

// findADBInterface scans a device descriptor for the ADB interface and its
// bulk endpoint pair.
func findADBInterface(desc *gousb.DeviceDesc) (adbInterface, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != adbClass || alt.SubClass != adbSubClass || alt.Protocol != adbProtocol {
					continue
				}
				found := adbInterface{config: cfg.Number, number: intf.Number, alternate: alt.Alternate, inEp: -1, outEp: -1}
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						found.inEp = ep.Number
					} else {
						found.outEp = ep.Number
					}
				}
				if found.inEp >= 0 && found.outEp >= 0 {
					return found, true
				}
			}
		}
	}
	return adbInterface{}, false
}

// dialUSB claims the ADB interface of a matching device and returns its bulk
// endpoint pair as a byte stream. With an empty serial the first ADB-capable
// device wins.
func dialUSB(serial string, timeout time.Duration) (wire.Conn, error) {
	usbCtx := gousb.NewContext()

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := findADBInterface(desc)
		return ok
	})
	if err != nil && len(devices) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}

	var picked *gousb.Device
	for _, dev := range devices {
		if picked != nil {
			_ = dev.Close()
			continue
		}
		if serial != "" {
			sn, snErr := dev.SerialNumber()
			if snErr != nil || sn != serial {
				_ = dev.Close()
				continue
			}
		}
		picked = dev
	}
	if picked == nil {
		_ = usbCtx.Close()
		if serial != "" {
			return nil, fmt.Errorf("%w (serial %s)", errNoUSBDevice, serial)
		}
		return nil, errNoUSBDevice
	}

	conn, err := claimADB(usbCtx, picked)
	if err != nil {
		_ = picked.Close()
		_ = usbCtx.Close()
		return nil, err
	}
	_ = timeout // transport open itself is fast; deadlines apply per read/write
	return conn, nil
}

func claimADB(usbCtx *gousb.Context, dev *gousb.Device) (*usbConn, error) {
	iface, ok := findADBInterface(dev.Desc)
	if !ok {
		return nil, errNoUSBDevice
	}
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("usb auto-detach: %w", err)
	}
	cfg, err := dev.Config(iface.config)
	if err != nil {
		return nil, fmt.Errorf("usb config %d: %w", iface.config, err)
	}
	intf, err := cfg.Interface(iface.number, iface.alternate)
	if err != nil {
		_ = cfg.Close()
		return nil, fmt.Errorf("usb claim interface %d: %w", iface.number, err)
	}
	in, err := intf.InEndpoint(iface.inEp)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("usb in endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(iface.outEp)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("usb out endpoint: %w", err)
	}
	return &usbConn{ctx: usbCtx, dev: dev, cfg: cfg, intf: intf, in: in, out: out}, nil
}

// usbConn adapts a claimed ADB bulk endpoint pair to wire.Conn.
type usbConn struct {
	ctx      *gousb.Context
	dev      *gousb.Device
	cfg      *gousb.Config
	intf     *gousb.Interface
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
	deadline time.Time
}

func (c *usbConn) opContext() (context.Context, context.CancelFunc) {
	if c.deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), c.deadline)
}

func (c *usbConn) Read(p []byte) (int, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	return c.in.ReadContext(ctx, p)
}

func (c *usbConn) Write(p []byte) (int, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	return c.out.WriteContext(ctx, p)
}

func (c *usbConn) SetDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *usbConn) Close() error {
	c.intf.Close()
	_ = c.cfg.Close()
	_ = c.dev.Close()
	return c.ctx.Close()
}
