// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	room     = flag.String("room", "", "Room to join on startup")
	user     = flag.String("user", "", "Username to join with")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("PeerCall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: data directory required")
		fmt.Fprintln(os.Stderr, "Usage: peercall [flags] <data-directory>")
		os.Exit(1)
	}
	if (*room == "") != (*user == "") {
		fmt.Fprintln(os.Stderr, "Error: -room and -user must be given together")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(args[0])
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "peercall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir:  absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		Room:     *room,
		Username: *user,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("──────────────────────────────────────────────")
	fmt.Printf(" PeerCall v%s\n", appVersion)
	fmt.Printf(" Data dir: %s\n", dir)
	fmt.Printf(" Config:   %s\n", cfgPath)
	fmt.Printf(" Server:   %s\n", cfg.Signal.ServerURL)
	fmt.Println("──────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println(`PeerCall - peer-to-peer video calling client

Usage:
  peercall [flags] <data-directory>

Flags:
  -room <id>     Join this room immediately
  -user <name>   Username for -room
  -version       Show version
  -h             Show help

The data directory holds peercall.json and the chat database. A default
config is created on first run.`)
}
