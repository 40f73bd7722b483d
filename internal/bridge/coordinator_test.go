// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phurth/hacs-adb-connector/internal/adbkey"
	"github.com/phurth/hacs-adb-connector/internal/session"
)

// fakeLink scripts a device: shell outputs by command, optional errors, and
// a call log so tests can assert ordering.
type fakeLink struct {
	mu        sync.Mutex
	alive     bool
	shellOut  map[string]string
	shellErr  map[string]error
	pushErr   error
	tcpipErr  error
	calls     []string
	closed    int
	pushedTo  string
	pushedSrc string
}

func newFakeLink() *fakeLink {
	return &fakeLink{alive: true, shellOut: map[string]string{}, shellErr: map[string]error{}}
}

func (f *fakeLink) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeLink) Probe(time.Duration) bool {
	f.record("probe")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeLink) RunShell(command string, _ time.Duration) (string, error) {
	f.record("shell:" + command)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.shellErr[command]; ok {
		return "", err
	}
	if out, ok := f.shellOut[command]; ok {
		return out, nil
	}
	return "", nil
}

func (f *fakeLink) PushFile(localPath, remotePath string, _ time.Duration) error {
	f.record("push:" + remotePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedSrc = localPath
	f.pushedTo = remotePath
	return f.pushErr
}

func (f *fakeLink) TCPIPMode(port uint16, _ time.Duration) error {
	f.record("tcpip")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tcpipErr
}

func (f *fakeLink) Banner() string { return "device::ro.product.name=test;" }

func (f *fakeLink) Close() {
	f.record("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.alive = false
}

// fakeDialer hands out scripted links in sequence and counts connects.
type fakeDialer struct {
	mu       sync.Mutex
	links    []*fakeLink
	errs     []error
	connects int
}

func (d *fakeDialer) dial(session.Transport, *adbkey.Key, time.Duration) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.connects
	d.connects++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.links) {
		return d.links[i], nil
	}
	return nil, errors.New("dialer exhausted")
}

func testKey(t *testing.T) func() (*adbkey.Key, error) {
	t.Helper()
	key, err := adbkey.Generate(filepath.Join(t.TempDir(), "adbkey"))
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return func() (*adbkey.Key, error) { return key, nil }
}

func newTestCoordinator(t *testing.T, d *fakeDialer, probe func(string, uint16, time.Duration) bool) *Coordinator {
	t.Helper()
	if probe == nil {
		probe = func(string, uint16, time.Duration) bool { return true }
	}
	return New(Options{
		Transport:   session.USB("emulator-5554"),
		Dialer:      d.dial,
		ProbeTCP:    probe,
		Credentials: testKey(t),
	})
}

// healthyDeviceScript provisions the shell outputs a normal refresh reads.
func healthyDeviceScript(link *fakeLink) {
	link.shellOut["getprop "+serialProp] = "R58M123ABC\n"
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	link.shellOut["getprop "+runtimePortProp] = "5555\n"
}

func TestRefreshHealthyDevice(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !snap.Connected {
		t.Error("expected connected snapshot")
	}
	if snap.Serial != "R58M123ABC" {
		t.Errorf("serial = %q", snap.Serial)
	}
	if snap.WifiIP != "192.168.1.50" {
		t.Errorf("wifi ip = %q", snap.WifiIP)
	}
	if !snap.WifiADBEnabled || snap.ADBPort != 5555 {
		t.Errorf("wireless adb = %v port %d, want enabled on 5555", snap.WifiADBEnabled, snap.ADBPort)
	}
	if d.connects != 1 {
		t.Errorf("connects = %d, want 1", d.connects)
	}
}

func TestRefreshFallsBackToPersistedPortProp(t *testing.T) {
	link := newFakeLink()
	link.shellOut["getprop "+serialProp] = "serial\n"
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	link.shellOut["getprop "+runtimePortProp] = "0\n"
	link.shellOut["getprop "+persistPortProp] = "5555\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !snap.WifiADBEnabled || snap.ADBPort != 5555 {
		t.Errorf("wireless adb = %v port %d, want enabled on 5555", snap.WifiADBEnabled, snap.ADBPort)
	}
}

func TestRefreshPropSetButPortUnreachable(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, func(string, uint16, time.Duration) bool { return false })

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.WifiADBEnabled {
		t.Error("property alone should not mark wireless adb enabled when the port does not answer")
	}
	if snap.ADBPort != 5555 {
		t.Errorf("port = %d, want the property value regardless of reachability", snap.ADBPort)
	}
}

func TestRefreshPartialFieldFailure(t *testing.T) {
	link := newFakeLink()
	link.shellErr["getprop "+serialProp] = errors.New("shell hiccup")
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("one failing field must not fail the cycle: %v", err)
	}
	if !snap.Connected {
		t.Error("snapshot should still be connected")
	}
	// Serial read failed, so the transport's configured serial backfills it.
	if snap.Serial != "emulator-5554" {
		t.Errorf("serial = %q, want transport fallback", snap.Serial)
	}
	if snap.WifiIP != "192.168.1.50" {
		t.Errorf("wifi ip = %q", snap.WifiIP)
	}
}

func TestRefreshUnreachableDevice(t *testing.T) {
	d := &fakeDialer{errs: []error{errors.New("no route to host")}}
	c := newTestCoordinator(t, d, func(string, uint16, time.Duration) bool { return false })

	_, err := c.Refresh(context.Background())
	var uf *UpdateFailedError
	if !errors.As(err, &uf) {
		t.Fatalf("err = %v, want UpdateFailedError", err)
	}
}

// Scenario: USB transport is down but a cached wireless endpoint still
// answers, so Refresh yields a degraded snapshot instead of failing.
func TestRefreshDegradedModeViaCachedEndpoint(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	d := &fakeDialer{
		links: []*fakeLink{link},
		errs:  []error{nil, errors.New("usb unplugged"), errors.New("usb unplugged")},
	}
	c := newTestCoordinator(t, d, nil)

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("priming refresh: %v", err)
	}

	// The dead link probes false on the next cycle, and the reconnect fails.
	link.mu.Lock()
	link.alive = false
	link.mu.Unlock()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("degraded refresh should not error: %v", err)
	}
	if snap.Connected {
		t.Error("degraded snapshot must report disconnected")
	}
	if snap.WifiIP != "192.168.1.50" || !snap.WifiADBEnabled || snap.ADBPort != 5555 {
		t.Errorf("degraded snapshot = %+v, want cached wireless endpoint", snap)
	}
}

func TestRefreshDegradedModeNeedsReachableEndpoint(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	reachable := true
	d := &fakeDialer{
		links: []*fakeLink{link},
		errs:  []error{nil, errors.New("usb unplugged"), errors.New("usb unplugged")},
	}
	c := newTestCoordinator(t, d, func(string, uint16, time.Duration) bool { return reachable })

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("priming refresh: %v", err)
	}
	link.mu.Lock()
	link.alive = false
	link.mu.Unlock()
	reachable = false

	_, err := c.Refresh(context.Background())
	var uf *UpdateFailedError
	if !errors.As(err, &uf) {
		t.Fatalf("err = %v, want UpdateFailedError when the cached endpoint is dead too", err)
	}
}

func TestEnsureConnectedReusesHealthySession(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if d.connects != 1 {
		t.Errorf("connects = %d, want 1 across repeated refreshes on a healthy link", d.connects)
	}
	if link.closed != 0 {
		t.Errorf("healthy link closed %d times", link.closed)
	}
}

func TestEnsureConnectedRebuildsStaleSessionOnce(t *testing.T) {
	stale := newFakeLink()
	healthyDeviceScript(stale)
	fresh := newFakeLink()
	healthyDeviceScript(fresh)
	d := &fakeDialer{links: []*fakeLink{stale, fresh}}
	c := newTestCoordinator(t, d, nil)

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("priming refresh: %v", err)
	}
	stale.mu.Lock()
	stale.alive = false
	stale.mu.Unlock()

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh after staleness: %v", err)
	}
	if !snap.Connected {
		t.Error("expected reconnected snapshot")
	}
	if stale.closed != 1 {
		t.Errorf("stale link closed %d times, want exactly 1", stale.closed)
	}
	if d.connects != 2 {
		t.Errorf("connects = %d, want exactly 2 (no retry storm)", d.connects)
	}
}

func TestEnableWirelessADBCapturesIPBeforeSwitch(t *testing.T) {
	link := newFakeLink()
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	ip := c.EnableWirelessADB(context.Background(), 0)
	if ip != "192.168.1.50" {
		t.Fatalf("ip = %q", ip)
	}

	ipIdx, tcpipIdx := -1, -1
	link.mu.Lock()
	for i, call := range link.calls {
		if strings.Contains(call, "ip addr show wlan0") && ipIdx < 0 {
			ipIdx = i
		}
		if call == "tcpip" {
			tcpipIdx = i
		}
	}
	link.mu.Unlock()
	if ipIdx < 0 || tcpipIdx < 0 || ipIdx > tcpipIdx {
		t.Errorf("ip capture at %d, mode switch at %d: capture must come first", ipIdx, tcpipIdx)
	}

	host, port := c.LastWifiEndpoint()
	if host != "192.168.1.50" || port != DefaultWirelessPort {
		t.Errorf("cached endpoint = %s:%d", host, port)
	}
}

func TestEnableWirelessADBWiredFallbackIP(t *testing.T) {
	link := newFakeLink()
	link.shellOut[wiredIPCommand] = "10.0.0.7\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if ip := c.EnableWirelessADB(context.Background(), 0); ip != "10.0.0.7" {
		t.Errorf("ip = %q, want the wired-interface fallback", ip)
	}
}

func TestEnableWirelessADBShellFallbackChain(t *testing.T) {
	link := newFakeLink()
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	link.tcpipErr = errors.New("tcpip service rejected")
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if ip := c.EnableWirelessADB(context.Background(), 5556); ip != "192.168.1.50" {
		t.Fatalf("ip = %q", ip)
	}

	var restart string
	link.mu.Lock()
	for _, call := range link.calls {
		if strings.Contains(call, "ctl.restart adbd") {
			restart = call
		}
	}
	link.mu.Unlock()
	if restart == "" {
		t.Fatal("expected the setprop + ctl.restart fallback to run")
	}
	for _, want := range []string{"service.adb.tcp.port 5556", "persist.adb.tcp.port 5556"} {
		if !strings.Contains(restart, want) {
			t.Errorf("fallback %q missing %q", restart, want)
		}
	}
}

// Scenario: every switch strategy fails, but the captured IP is still
// returned and cached so the operator can intervene.
func TestEnableWirelessADBReturnsIPEvenWhenSwitchFails(t *testing.T) {
	link := newFakeLink()
	link.shellOut[wifiIPCommand] = "192.168.1.50\n"
	link.tcpipErr = errors.New("rejected")
	restart := "setprop service.adb.tcp.port 5555; setprop persist.adb.tcp.port 5555; setprop ctl.restart adbd"
	stopStart := "setprop service.adb.tcp.port 5555; stop adbd; start adbd"
	link.shellErr[restart] = errors.New("connection reset")
	link.shellErr[stopStart] = errors.New("connection reset")
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if ip := c.EnableWirelessADB(context.Background(), 0); ip != "192.168.1.50" {
		t.Errorf("ip = %q, want it returned despite the failed switch", ip)
	}
	if host, _ := c.LastWifiEndpoint(); host != "192.168.1.50" {
		t.Errorf("cached endpoint host = %q, want caching despite the failed switch", host)
	}
}

func TestEnableWirelessADBUnreachableDevice(t *testing.T) {
	d := &fakeDialer{errs: []error{errors.New("no device")}}
	c := newTestCoordinator(t, d, nil)
	if ip := c.EnableWirelessADB(context.Background(), 0); ip != "" {
		t.Errorf("ip = %q, want empty when the device is unreachable", ip)
	}
}

func TestRunCommand(t *testing.T) {
	link := newFakeLink()
	link.shellOut["dumpsys battery"] = "level: 93\n"
	link.shellErr["broken"] = errors.New("stream closed")
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	out, ok := c.RunCommand(context.Background(), "dumpsys battery")
	if !ok || !strings.Contains(out, "level: 93") {
		t.Errorf("out = %q ok = %v", out, ok)
	}
	if _, ok := c.RunCommand(context.Background(), "broken"); ok {
		t.Error("failed command reported ok")
	}
}

func TestInstallPackage(t *testing.T) {
	apk := filepath.Join(t.TempDir(), "app.apk")
	if err := os.WriteFile(apk, []byte("not really an apk"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := newFakeLink()
	link.shellOut["pm install -r "+installTempPath] = "Success\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if !c.InstallPackage(context.Background(), apk) {
		t.Fatal("install reported failure")
	}
	if link.pushedTo != installTempPath || link.pushedSrc != apk {
		t.Errorf("pushed %q -> %q", link.pushedSrc, link.pushedTo)
	}
	link.mu.Lock()
	cleaned := false
	for _, call := range link.calls {
		if call == "shell:rm -f "+installTempPath {
			cleaned = true
		}
	}
	link.mu.Unlock()
	if !cleaned {
		t.Error("temp apk was not removed")
	}
}

func TestInstallPackageCleansUpOnFailure(t *testing.T) {
	link := newFakeLink()
	link.shellOut["pm install -r "+installTempPath] = "Failure [INSTALL_FAILED_OLDER_SDK]\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if c.InstallPackage(context.Background(), "whatever.apk") {
		t.Error("install without Success marker reported ok")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	cleaned := false
	for _, call := range link.calls {
		if call == "shell:rm -f "+installTempPath {
			cleaned = true
		}
	}
	if !cleaned {
		t.Error("cleanup must run even when the install fails")
	}
}

func TestReconnectIsNoOpOnHealthyLink(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if !c.Reconnect(context.Background()) {
		t.Fatal("first reconnect failed")
	}
	if !c.Reconnect(context.Background()) {
		t.Fatal("second reconnect failed")
	}
	if d.connects != 1 {
		t.Errorf("connects = %d, want 1: a healthy link must not be churned", d.connects)
	}
	if link.closed != 0 {
		t.Errorf("healthy link closed %d times", link.closed)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if !c.Reconnect(context.Background()) {
		t.Fatal("connect failed")
	}
	c.Disconnect()
	c.Disconnect()
	if link.closed != 1 {
		t.Errorf("link closed %d times, want 1", link.closed)
	}
}

func TestDisconnectThenRefreshReconnects(t *testing.T) {
	first := newFakeLink()
	healthyDeviceScript(first)
	second := newFakeLink()
	healthyDeviceScript(second)
	d := &fakeDialer{links: []*fakeLink{first, second}}
	c := newTestCoordinator(t, d, nil)

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh after disconnect: %v", err)
	}
	if !snap.Connected {
		t.Error("expected a fresh session after explicit disconnect")
	}
	if d.connects != 2 {
		t.Errorf("connects = %d, want 2", d.connects)
	}
}

func TestRunCommandLogsDeviceOutputPerLine(t *testing.T) {
	var buf bytes.Buffer
	previous := bridgeLogger
	bridgeLogger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))
	t.Cleanup(func() { bridgeLogger = previous })

	link := newFakeLink()
	link.shellOut["dumpsys battery"] = "level: 93\nstatus: 2"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	if _, ok := c.RunCommand(context.Background(), "dumpsys battery"); !ok {
		t.Fatal("command failed")
	}

	var deviceLines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			t.Fatalf("failed to parse log line %q: %v", raw, err)
		}
		if record["msg"] == "device output" {
			deviceLines = append(deviceLines, record)
		}
	}
	if len(deviceLines) != 2 {
		t.Fatalf("expected 2 device output records, got %d", len(deviceLines))
	}
	if deviceLines[0]["line"] != "level: 93" || deviceLines[1]["line"] != "status: 2" {
		t.Fatalf("device output lines = %v, %v", deviceLines[0]["line"], deviceLines[1]["line"])
	}
	for _, record := range deviceLines {
		if record["command"] != "dumpsys battery" {
			t.Fatalf("expected command field on device output, got %#v", record["command"])
		}
	}
}

// All operations share one lock, so concurrent callers serialize onto a
// single session instead of racing to build their own.
func TestConcurrentOperationsShareOneSession(t *testing.T) {
	link := newFakeLink()
	healthyDeviceScript(link)
	link.shellOut["echo hi"] = "hi\n"
	d := &fakeDialer{links: []*fakeLink{link}}
	c := newTestCoordinator(t, d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = c.Refresh(context.Background())
			} else {
				_, _ = c.RunCommand(context.Background(), "echo hi")
			}
		}(i)
	}
	wg.Wait()

	if d.connects != 1 {
		t.Errorf("connects = %d, want 1 under concurrency", d.connects)
	}
}
