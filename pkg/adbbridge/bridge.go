// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package adbbridge provides a Go library for maintaining a managed ADB
// connection to a single Android device.
package adbbridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/phurth/hacs-adb-connector/internal/bridge"
	"github.com/phurth/hacs-adb-connector/internal/config"
	"github.com/phurth/hacs-adb-connector/internal/poller"
)

var tracer = otel.Tracer("hacs-adb-connector/pkg")

// Bridge provides high-level device operations over a single managed
// session. All methods are safe for concurrent use; they serialize onto the
// one session internally.
type Bridge struct {
	coordinator   *bridge.Coordinator
	interval      time.Duration
	correlationID string
	ctx           context.Context
}

// Options holds configuration for a Bridge.
type Options struct {
	Transport     string          // "usb" or "tcp" (default: "usb")
	Serial        string          // USB device serial (optional; empty matches any)
	Host          string          // Device host for TCP transport
	Port          uint16          // Device port for TCP transport (default: 5555)
	WirelessPort  uint16          // Port used when enabling wireless ADB (default: 5555)
	KeyPath       string          // RSA keypair location (default: ~/.android/adbkey)
	PollInterval  time.Duration   // Watch cadence (default: 30s)
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

// Snapshot describes the device state observed by one refresh.
type Snapshot struct {
	Connected      bool   // A session to the device is live
	Serial         string // Device serial number
	WifiIP         string // Device WiFi address, empty when unknown
	WifiADBEnabled bool   // adbd is listening on TCP
	ADBPort        uint16 // Wireless ADB port
}

// New creates a Bridge from defaults and ADB_BRIDGE_* environment variables.
func New() (*Bridge, error) {
	return NewWithContextAndCorrelationID(context.Background(), "")
}

// NewWithCorrelationID creates a Bridge with a correlation ID for structured
// logs.
func NewWithCorrelationID(correlationID string) (*Bridge, error) {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a Bridge with a custom context for tracing.
func NewWithContext(ctx context.Context) (*Bridge, error) {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a Bridge with a custom context and
// correlation ID. Everything else comes from defaults and ADB_BRIDGE_*
// environment variables.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) (*Bridge, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if correlationID != "" {
		cfg.CorrelationID = correlationID
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return fromConfig(cfg, ctx), nil
}

// NewWithOptions creates a Bridge with explicit configuration.
func NewWithOptions(opts Options) (*Bridge, error) {
	cfg := config.Default()
	if opts.Transport != "" {
		cfg.Transport = opts.Transport
	}
	cfg.Serial = opts.Serial
	cfg.Host = opts.Host
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.WirelessPort != 0 {
		cfg.WirelessPort = opts.WirelessPort
	}
	if opts.KeyPath != "" {
		cfg.KeyPath = opts.KeyPath
	}
	if opts.PollInterval != 0 {
		cfg.PollInterval = opts.PollInterval
	}
	cfg.CorrelationID = opts.CorrelationID
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return fromConfig(cfg, ctx), nil
}

func fromConfig(cfg config.Config, ctx context.Context) *Bridge {
	return &Bridge{
		coordinator: bridge.New(bridge.Options{
			Transport:     cfg.TransportDescriptor(),
			KeyPath:       cfg.KeyPath,
			WirelessPort:  cfg.WirelessPort,
			CorrelationID: cfg.CorrelationID,
		}),
		interval:      cfg.PollInterval,
		correlationID: cfg.CorrelationID,
		ctx:           ctx,
	}
}

// Status refreshes once and returns the device snapshot.
func (b *Bridge) Status() (Snapshot, error) {
	ctx, span := b.startSpan("adbbridge.Status")
	defer span.End()
	snap, err := b.coordinator.Refresh(ctx)
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}
	return Snapshot{
		Connected:      snap.Connected,
		Serial:         snap.Serial,
		WifiIP:         snap.WifiIP,
		WifiADBEnabled: snap.WifiADBEnabled,
		ADBPort:        snap.ADBPort,
	}, nil
}

// EnableWirelessADB switches the device's adbd to TCP/IP mode. It returns
// the device IP when one could be captured, even if the switch failed;
// empty means the device was unreachable or has no network address.
func (b *Bridge) EnableWirelessADB(port uint16) string {
	ctx, span := b.startSpan("adbbridge.EnableWirelessADB", attribute.Int("port", int(port)))
	defer span.End()
	return b.coordinator.EnableWirelessADB(ctx, port)
}

// Run executes a shell command on the device. ok is false when the device
// was unreachable or the command could not be executed.
func (b *Bridge) Run(command string) (output string, ok bool) {
	ctx, span := b.startSpan("adbbridge.Run")
	defer span.End()
	return b.coordinator.RunCommand(ctx, command)
}

// Install pushes an APK to the device and installs it via the package
// manager.
func (b *Bridge) Install(apkPath string) bool {
	ctx, span := b.startSpan("adbbridge.Install", attribute.String("apk", apkPath))
	defer span.End()
	return b.coordinator.InstallPackage(ctx, apkPath)
}

// Reconnect verifies the session, rebuilding it only when stale. Reports
// whether a live session is held afterwards.
func (b *Bridge) Reconnect() bool {
	ctx, span := b.startSpan("adbbridge.Reconnect")
	defer span.End()
	return b.coordinator.Reconnect(ctx)
}

// Disconnect closes the session. The Bridge remains usable; the next
// operation reconnects.
func (b *Bridge) Disconnect() {
	b.coordinator.Disconnect()
}

// LastWifiEndpoint returns the most recently observed wireless ADB
// endpoint, or an empty host when none has been seen.
func (b *Bridge) LastWifiEndpoint() (host string, port uint16) {
	return b.coordinator.LastWifiEndpoint()
}

// Watch polls the device on the configured interval and delivers each
// snapshot to fn. It blocks until ctx is cancelled. Failed refreshes stretch
// the cadence with capped exponential backoff.
func (b *Bridge) Watch(ctx context.Context, fn func(Snapshot)) {
	p := poller.New(b.coordinator, func(snap bridge.Snapshot) {
		fn(Snapshot{
			Connected:      snap.Connected,
			Serial:         snap.Serial,
			WifiIP:         snap.WifiIP,
			WifiADBEnabled: snap.WifiADBEnabled,
			ADBPort:        snap.ADBPort,
		})
	}, poller.WithInterval(b.interval))
	p.Run(ctx)
}

func (b *Bridge) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if b.correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", b.correlationID))
	}
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
