// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package bridge owns the managed connection to a single Android device and
// derives its observable state.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/phurth/hacs-adb-connector/internal/adbkey"
	"github.com/phurth/hacs-adb-connector/internal/session"
)

// DefaultWirelessPort is the conventional wireless ADB port.
const DefaultWirelessPort uint16 = 5555

const (
	connectTimeout  = 30 * time.Second
	probeTimeout    = 5 * time.Second
	shellTimeout    = 10 * time.Second
	transferTimeout = 2 * time.Minute
	tcpCheckTimeout = 2 * time.Second
)

// Shell fragments used to read device state, matching what adbd's toybox
// shell supports.
const (
	wifiIPCommand  = `ip addr show wlan0 2>/dev/null | grep 'inet ' | awk '{print $2}' | cut -d/ -f1`
	wiredIPCommand = `ip addr show eth0 2>/dev/null | grep 'inet ' | awk '{print $2}' | cut -d/ -f1`

	serialProp      = "ro.serialno"
	runtimePortProp = "service.adb.tcp.port"
	persistPortProp = "persist.adb.tcp.port"

	installTempPath = "/data/local/tmp/install.apk"
)

// Snapshot is the immutable result of one refresh cycle.
type Snapshot struct {
	Connected      bool   `json:"connected"`
	Serial         string `json:"serial,omitempty"`
	WifiIP         string `json:"wifi_ip,omitempty"`
	WifiADBEnabled bool   `json:"wifi_adb_enabled"`
	ADBPort        uint16 `json:"adb_port"`
}

// UpdateFailedError is raised by Refresh when no device state at all could be
// determined this cycle. The scheduler treats it as "data unavailable", not
// fatal.
type UpdateFailedError struct {
	Reason string
	Err    error
}

func (e *UpdateFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update failed: %s: %v", e.Reason, e.Err)
	}
	return "update failed: " + e.Reason
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// Link is what the coordinator needs from a live session.
type Link interface {
	Probe(timeout time.Duration) bool
	RunShell(command string, timeout time.Duration) (string, error)
	PushFile(localPath, remotePath string, timeout time.Duration) error
	TCPIPMode(port uint16, timeout time.Duration) error
	Banner() string
	Close()
}

// Dialer builds a Link for a transport. Swapped out in tests.
type Dialer func(t session.Transport, key *adbkey.Key, timeout time.Duration) (Link, error)

// Options configures a Coordinator. Zero fields get defaults.
type Options struct {
	Transport     session.Transport
	KeyPath       string
	WirelessPort  uint16
	CorrelationID string

	// Injection points for tests and custom providers.
	Dialer      Dialer
	ProbeTCP    func(host string, port uint16, timeout time.Duration) bool
	Credentials func() (*adbkey.Key, error)
}

// Coordinator is the single owner of the current session. All public
// operations take one coordinator-wide lock for their entire duration: ADB
// multiplexes logical commands onto one ordered byte stream per session, and
// interleaved writers would corrupt framing.
type Coordinator struct {
	transport     session.Transport
	wirelessPort  uint16
	correlationID string

	dial     Dialer
	probeTCP func(host string, port uint16, timeout time.Duration) bool
	creds    func() (*adbkey.Key, error)

	mu   sync.Mutex
	link Link
	key  *adbkey.Key

	lastWifiIP   string
	lastWifiPort uint16
}

// New builds a Coordinator for one device.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		transport:     opts.Transport,
		wirelessPort:  opts.WirelessPort,
		correlationID: opts.CorrelationID,
		dial:          opts.Dialer,
		probeTCP:      opts.ProbeTCP,
		creds:         opts.Credentials,
	}
	if c.wirelessPort == 0 {
		c.wirelessPort = DefaultWirelessPort
	}
	if c.dial == nil {
		c.dial = func(t session.Transport, key *adbkey.Key, timeout time.Duration) (Link, error) {
			return session.Connect(t, key, timeout)
		}
	}
	if c.probeTCP == nil {
		c.probeTCP = rawTCPCheck
	}
	if c.creds == nil {
		keyPath := opts.KeyPath
		c.creds = func() (*adbkey.Key, error) {
			return adbkey.LoadOrGenerate(keyPath)
		}
	}
	return c
}

// Transport returns the configured transport descriptor.
func (c *Coordinator) Transport() session.Transport { return c.transport }

// LastWifiEndpoint returns the cached last-known wireless endpoint, if any.
func (c *Coordinator) LastWifiEndpoint() (string, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWifiIP, c.lastWifiPort
}

// credentials loads the signing key once and caches it.
func (c *Coordinator) credentials() (*adbkey.Key, error) {
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.creds()
	if err != nil {
		return nil, err
	}
	c.key = key
	return key, nil
}

// ensureConnected reuses the current session when it still answers a probe,
// otherwise closes it and makes exactly one reconnect attempt. Callers hold
// the lock.
func (c *Coordinator) ensureConnected() error {
	if c.link != nil {
		if c.link.Probe(probeTimeout) {
			return nil
		}
		logEvent(c.correlationID, "session stale, rebuilding", "transport", c.transport.String())
		c.link.Close()
		c.link = nil
	}
	key, err := c.credentials()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	link, err := c.dial(c.transport, key, connectTimeout)
	if err != nil {
		return err
	}
	c.link = link
	logEvent(c.correlationID, "session connected", "transport", c.transport.String(), "banner", link.Banner())
	return nil
}

// Refresh polls the device and produces a fresh snapshot. Per-field reads are
// independently best-effort: a failure leaves that field at its zero value,
// never aborts the cycle. Only total inability to reach the device raises
// UpdateFailedError, and even then not when the transport is USB and the
// cached wireless endpoint still answers: that case returns a degraded
// snapshot so wireless status stays observable while the cable is down.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, span := c.startSpan(ctx, "bridge.Refresh")
	defer span.End()

	if err := c.ensureConnected(); err != nil {
		if c.transport.IsUSB() && c.lastWifiIP != "" && c.probeTCP(c.lastWifiIP, c.lastWifiPort, tcpCheckTimeout) {
			span.SetAttributes(attribute.Bool("degraded", true))
			logEvent(c.correlationID, "primary transport down, cached wireless endpoint reachable",
				"wifi_ip", c.lastWifiIP, "adb_port", c.lastWifiPort)
			return Snapshot{
				Connected:      false,
				WifiIP:         c.lastWifiIP,
				WifiADBEnabled: true,
				ADBPort:        c.lastWifiPort,
			}, nil
		}
		recordSpanError(span, err)
		return Snapshot{}, &UpdateFailedError{Reason: "could not connect to device", Err: err}
	}

	snap := Snapshot{Connected: true, ADBPort: c.wirelessPort}

	if serial, ok := c.getprop(serialProp); ok {
		snap.Serial = serial
	} else {
		snap.Serial = c.transport.Serial()
	}

	snap.WifiIP = c.deviceIP()

	if port, ok := c.wirelessPortProp(); ok {
		snap.ADBPort = port
		if snap.WifiIP != "" {
			// Corroborate the property with a raw reachability check rather
			// than trusting it alone.
			snap.WifiADBEnabled = c.probeTCP(snap.WifiIP, port, tcpCheckTimeout)
			c.lastWifiIP = snap.WifiIP
			c.lastWifiPort = port
		} else {
			snap.WifiADBEnabled = true
		}
	}

	span.SetAttributes(
		attribute.Bool("connected", snap.Connected),
		attribute.Bool("wifi_adb_enabled", snap.WifiADBEnabled),
	)
	return snap, nil
}

// EnableWirelessADB switches adbd to TCP/IP mode on the given port (0 means
// the configured default). The device IP is captured before the switch, since
// the daemon restart may drop the session, and is returned even when the
// switch itself failed so the operator can act manually. Empty means no IP
// could be captured or the device was unreachable.
func (c *Coordinator) EnableWirelessADB(ctx context.Context, port uint16) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port == 0 {
		port = c.wirelessPort
	}
	_, span := c.startSpan(ctx, "bridge.EnableWirelessADB", attribute.Int("port", int(port)))
	defer span.End()

	if err := c.ensureConnected(); err != nil {
		recordSpanError(span, err)
		logEvent(c.correlationID, "enable wireless adb: device unreachable", "error", err.Error())
		return ""
	}

	ip := c.deviceIP()
	if ip == "" {
		logEvent(c.correlationID, "enable wireless adb: no device ip captured")
	}

	switched := false
	if err := c.link.TCPIPMode(port, shellTimeout); err == nil {
		switched = true
	} else {
		logEvent(c.correlationID, "tcpip service failed, trying shell fallback", "error", err.Error())
		// One composite command line: a separate stop/start pair can race the
		// daemon tearing down the very channel carrying the second command.
		restart := fmt.Sprintf(
			"setprop %s %d; setprop %s %d; setprop ctl.restart adbd",
			runtimePortProp, port, persistPortProp, port,
		)
		if _, err := c.link.RunShell(restart, shellTimeout); err == nil {
			switched = true
		} else {
			logEvent(c.correlationID, "ctl.restart fallback failed, trying stop/start", "error", err.Error())
			stopStart := fmt.Sprintf("setprop %s %d; stop adbd; start adbd", runtimePortProp, port)
			if _, err := c.link.RunShell(stopStart, shellTimeout); err == nil {
				switched = true
			} else {
				logEvent(c.correlationID, "enable wireless adb failed", "error", err.Error())
			}
		}
	}

	// Cache the endpoint regardless of which path ran; a captured IP is
	// actionable even after a failed restart.
	if ip != "" {
		c.lastWifiIP = ip
		c.lastWifiPort = port
	}

	if switched && ip != "" {
		// Best-effort verification only; never block the operation on it.
		reachable := c.probeTCP(ip, port, tcpCheckTimeout)
		logEvent(c.correlationID, "wireless adb enabled", "wifi_ip", ip, "adb_port", port, "verified", reachable)
		span.SetAttributes(attribute.Bool("verified", reachable))
	}
	return ip
}

// RunCommand executes a shell command on the device. The ok result is false
// on any failure, connect or exec; callers treat that as "could not
// determine" rather than an error.
func (c *Coordinator) RunCommand(ctx context.Context, command string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, span := c.startSpan(ctx, "bridge.RunCommand")
	defer span.End()

	if err := c.ensureConnected(); err != nil {
		recordSpanError(span, err)
		return "", false
	}
	out, err := c.link.RunShell(command, shellTimeout)
	if err != nil {
		recordSpanError(span, err)
		logEvent(c.correlationID, "run command failed", "error", err.Error())
		return "", false
	}
	c.logDeviceOutput(command, out)
	return out, true
}

// logDeviceOutput records shell output line by line alongside the command
// that produced it.
func (c *Coordinator) logDeviceOutput(command, out string) {
	if out == "" {
		return
	}
	w := NewDeviceOutputWriter(c.correlationID, command)
	_, _ = io.WriteString(w, out)
	if !strings.HasSuffix(out, "\n") {
		_, _ = io.WriteString(w, "\n")
	}
}

// InstallPackage pushes an APK to a temporary path and installs it through
// the package manager. The temporary file is removed whether or not the
// install succeeded.
func (c *Coordinator) InstallPackage(ctx context.Context, localPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, span := c.startSpan(ctx, "bridge.InstallPackage", attribute.String("apk", localPath))
	defer span.End()

	if err := c.ensureConnected(); err != nil {
		recordSpanError(span, err)
		return false
	}
	if err := c.link.PushFile(localPath, installTempPath, transferTimeout); err != nil {
		recordSpanError(span, err)
		logEvent(c.correlationID, "apk push failed", "error", err.Error())
		return false
	}

	out, installErr := c.link.RunShell("pm install -r "+installTempPath, transferTimeout)

	// Cleanup is unconditional, and its own failure is only logged.
	if _, err := c.link.RunShell("rm -f "+installTempPath, shellTimeout); err != nil {
		logEvent(c.correlationID, "temp apk cleanup failed", "error", err.Error())
	}

	if installErr != nil {
		recordSpanError(span, installErr)
		logEvent(c.correlationID, "pm install failed", "error", installErr.Error())
		return false
	}
	ok := strings.Contains(out, "Success")
	span.SetAttributes(attribute.Bool("installed", ok))
	return ok
}

// Reconnect probes the current session first and only rebuilds it when the
// probe fails, so a healthy link is never churned. Reports whether a live
// session is held afterwards.
func (c *Coordinator) Reconnect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, span := c.startSpan(ctx, "bridge.Reconnect")
	defer span.End()

	if c.link != nil && c.link.Probe(probeTimeout) {
		return true
	}
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	if err := c.ensureConnected(); err != nil {
		recordSpanError(span, err)
		return false
	}
	return true
}

// Disconnect closes and discards the current session. Idempotent.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return
	}
	c.link.Close()
	c.link = nil
	logEvent(c.correlationID, "session disconnected", "transport", c.transport.String())
}

// getprop reads one system property, best-effort.
func (c *Coordinator) getprop(name string) (string, bool) {
	out, err := c.link.RunShell("getprop "+name, shellTimeout)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(out)
	return v, v != ""
}

// deviceIP returns the device's WiFi address, falling back to the wired
// interface. Empty when neither is up.
func (c *Coordinator) deviceIP() string {
	for _, cmd := range []string{wifiIPCommand, wiredIPCommand} {
		out, err := c.link.RunShell(cmd, shellTimeout)
		if err != nil {
			continue
		}
		if ip := strings.TrimSpace(out); ip != "" {
			return ip
		}
	}
	return ""
}

// wirelessPortProp reads the runtime TCP-port property, then the persisted
// one some builds use instead.
func (c *Coordinator) wirelessPortProp() (uint16, bool) {
	for _, prop := range []string{runtimePortProp, persistPortProp} {
		v, ok := c.getprop(prop)
		if !ok || v == "0" || v == "-1" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			continue
		}
		return uint16(n), true
	}
	return 0, false
}

// rawTCPCheck is the chosen corroboration strategy for wireless-ADB
// detection: it only proves a listener exists on the port, but unlike a full
// secondary handshake it cannot disturb an active adbd session.
func rawTCPCheck(host string, port uint16, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
