// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/phurth/hacs-adb-connector/internal/bridge"
	"github.com/phurth/hacs-adb-connector/internal/config"
	"github.com/phurth/hacs-adb-connector/internal/poller"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(ctx)
	defer shutdownTracing()

	var cfgPath string
	var coordinator *bridge.Coordinator

	root := &cobra.Command{
		Use:   "adbbridge",
		Short: "Managed ADB connection to a single Android device",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			coordinator = bridge.New(bridge.Options{
				Transport:     cfg.TransportDescriptor(),
				KeyPath:       cfg.KeyPath,
				WirelessPort:  cfg.WirelessPort,
				CorrelationID: cfg.CorrelationID,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			coordinator.Disconnect()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file (env ADB_BRIDGE_* overrides it)")

	// status
	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Refresh once and print the device snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := coordinator.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return printSnapshot(snap, statusJSON)
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	root.AddCommand(statusCmd)

	// watch
	var watchInterval string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the device and print one JSON snapshot per refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			interval := cfg.PollInterval
			if watchInterval != "" {
				d, err := time.ParseDuration(watchInterval)
				if err != nil {
					return fmt.Errorf("bad --interval: %w", err)
				}
				interval = d
			}
			enc := json.NewEncoder(os.Stdout)
			p := poller.New(coordinator,
				func(snap bridge.Snapshot) { _ = enc.Encode(snap) },
				poller.WithInterval(interval),
				poller.WithErrorHandler(func(err error) {
					fmt.Fprintln(os.Stderr, "refresh failed:", err)
				}),
			)
			p.Run(cmd.Context())
			return nil
		},
	}
	watchCmd.Flags().StringVar(&watchInterval, "interval", "", "poll interval, e.g. 10s (default from config)")
	root.AddCommand(watchCmd)

	// enable-wifi
	var wifiPort uint16
	enableWifiCmd := &cobra.Command{
		Use:   "enable-wifi",
		Short: "Switch the device's adbd to TCP/IP mode and print its IP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := coordinator.EnableWirelessADB(cmd.Context(), wifiPort)
			if ip == "" {
				return errors.New("could not determine the device IP (device unreachable or no network)")
			}
			port := wifiPort
			if port == 0 {
				_, port = coordinator.LastWifiEndpoint()
			}
			fmt.Printf("%s:%d\n", ip, port)
			return nil
		},
	}
	enableWifiCmd.Flags().Uint16Var(&wifiPort, "port", 0, "TCP port for adbd (default from config)")
	root.AddCommand(enableWifiCmd)

	// run
	runCmd := &cobra.Command{
		Use:   "run COMMAND",
		Short: "Run a shell command on the device and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, ok := coordinator.RunCommand(cmd.Context(), joinArgs(args))
			if !ok {
				return errors.New("command failed or device unreachable")
			}
			fmt.Print(out)
			return nil
		},
	}
	root.AddCommand(runCmd)

	// install
	installCmd := &cobra.Command{
		Use:   "install APK",
		Short: "Push an APK to the device and install it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !coordinator.InstallPackage(cmd.Context(), args[0]) {
				return fmt.Errorf("install of %s failed", args[0])
			}
			fmt.Println("Installed", args[0])
			return nil
		},
	}
	root.AddCommand(installCmd)

	// reconnect
	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Verify the session, rebuilding it only if it is stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !coordinator.Reconnect(cmd.Context()) {
				return errors.New("device unreachable")
			}
			fmt.Println("Connected to", coordinator.Transport().String())
			return nil
		},
	}
	root.AddCommand(reconnectCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printSnapshot(snap bridge.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	fmt.Printf("Connected:    %v\n", snap.Connected)
	if snap.Serial != "" {
		fmt.Printf("Serial:       %s\n", snap.Serial)
	}
	if snap.WifiIP != "" {
		fmt.Printf("WiFi IP:      %s\n", snap.WifiIP)
	}
	fmt.Printf("Wireless ADB: %v (port %d)\n", snap.WifiADBEnabled, snap.ADBPort)
	return nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

// setupTracing wires the OTLP HTTP exporter when an endpoint is configured,
// otherwise leaves the default no-op provider in place.
func setupTracing(ctx context.Context) func() {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
		return func() {}
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "adbbridge"),
		)),
	)
	otel.SetTracerProvider(provider)
	return func() { _ = provider.Shutdown(context.Background()) }
}
