package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/petervdpas/slotcast/internal/app"
	"github.com/petervdpas/slotcast/internal/config"
	"github.com/petervdpas/slotcast/internal/relay"
)

var (
	showHelp  = flag.BoolP("help", "h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	relayAddr = flag.String("addr", "127.0.0.1:8790", "Listen address for the relay command")
	material  = flag.String("material", "", "Material id written by the init command")
	slot      = flag.Int("slot", 1, "Slot number written by the init command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("slotcast v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires a device directory")
			fmt.Fprintln(os.Stderr, "Usage: slotcast run <device-directory>")
			os.Exit(1)
		}
		runDevice(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires a device directory")
			fmt.Fprintln(os.Stderr, "Usage: slotcast init <device-directory> --material <id> [--slot n]")
			os.Exit(1)
		}
		initDevice(args[1])

	case "relay":
		runRelay(*relayAddr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func deviceDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid device directory: %v", err)
	}
	return absDir
}

func runDevice(dirArg string) {
	absDir := deviceDir(dirArg)
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Device directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Device.AppVersion == "" || cfg.Device.AppVersion == "dev" {
		cfg.Device.AppVersion = appVersion
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		DeviceDir: absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
	}); err != nil {
		log.Fatalf("Device failed: %v", err)
	}
}

func initDevice(dirArg string) {
	absDir := deviceDir(dirArg)
	if *material == "" {
		log.Fatal("init requires --material")
	}

	seed := config.Default()
	seed.Device.ID = uuid.NewString()
	seed.Device.MaterialID = *material
	seed.Device.SlotNumber = *slot
	seed.Device.AppVersion = appVersion

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath, seed)
	if err != nil {
		log.Fatalf("Failed to create config: %v", err)
	}
	if created {
		fmt.Printf("Created %s (device %s, %s slot %d)\n", cfgPath, cfg.Device.ID, cfg.Device.MaterialID, cfg.Device.SlotNumber)
	} else {
		fmt.Printf("%s already exists (device %s)\n", cfgPath, cfg.Device.ID)
	}
}

func runRelay(addr string) {
	ctx, cancel := signalContext()
	defer cancel()

	hub := relay.New()
	fmt.Printf("Relay listening on ws://%s (Press Ctrl+C to stop)\n", addr)
	if err := hub.Serve(ctx, addr); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("slotcast - synchronized ad playback for multi-screen vehicles")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  slotcast run <directory>          Run the device in the given directory")
	fmt.Println("  slotcast init <directory> --material <id> [--slot n]")
	fmt.Println("                                    Write a default config with a new device id")
	fmt.Println("  slotcast relay [--addr host:port] Run a local channel relay for bench testing")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  slotcast init ./devices/front --material bus-7 --slot 1")
	fmt.Println("  slotcast relay --addr 127.0.0.1:8790")
	fmt.Println("  slotcast run ./devices/front")
}

func printBanner(deviceDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    slotcast device                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Device Directory: %s\n", deviceDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Material / Slot:  %s / %d\n", cfg.Device.MaterialID, cfg.Device.SlotNumber)
	fmt.Println()
	if addr := app.NormalizeLocalAddr(cfg.Diag.HTTPAddr); addr != "" {
		fmt.Printf("Diagnostics:      http://%s/api/status\n", addr)
		fmt.Println()
	}
	fmt.Println("Starting device... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
