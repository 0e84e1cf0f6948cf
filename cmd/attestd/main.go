// attestd - Device attestation agent for the media sealing pipeline
//
// attestd keeps one WebAuthn credential registered with the sealing backend
// and a fresh device attestation on hand for the capture subsystems:
//
//	attestd init            Initialize config and data directories
//	attestd serve           Run the attestation daemon
//	attestd register        Run the registration ceremony once and exit
//	attestd status          Show local attestation state
//	attestd version         Print version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/config"
	"attestd/internal/logging"
	"attestd/internal/manager"
	"attestd/internal/store"
)

// Version is stamped by the release build; this is the dev fallback.
var Version = "0.4.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "init":
		cmdInit()
	case "serve":
		cmdServe()
	case "register":
		cmdRegister()
	case "status":
		cmdStatus()
	case "version", "-v", "--version":
		fmt.Printf("attestd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`attestd - Device attestation agent

Usage: attestd <command> [options]

Commands:
  init        Write a default config file and create data directories
  serve       Run the attestation daemon (control API + re-attestation loop)
  register    Run the registration ceremony once and exit
  status      Show local attestation state without contacting the backend
  version     Print version
  help        Show this help message

The daemon keeps a device credential registered with the sealing backend
and refreshes the device attestation before it goes stale. Other local
subsystems consume the attestation through the loopback control API.

Getting started:
  attestd init
  $EDITOR ` + config.ConfigPath() + `
  attestd serve

Environment:
  ATTESTD_BACKEND_URL     Override backend base URL
  ATTESTD_DEVICE_NAME     Override device display name
  ATTESTD_DATA_DIR        Override data directory
  ATTESTD_LOG_LEVEL       Override log level`)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: platform config dir)")
	force := fs.Bool("force", false, "overwrite an existing config file")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Config already exists: %s (use -force to overwrite)\n", path)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Initialized attestd.")
	fmt.Println()
	fmt.Printf("  Config:    %s\n", path)
	fmt.Printf("  Store:     %s\n", cfg.Storage.Path)
	fmt.Printf("  Data dir:  %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Log file:  %s\n", cfg.Logging.FilePath)
	fmt.Println()
	fmt.Println("Set backend.base_url in the config, then run 'attestd serve'.")
}

// cmdRegister runs one registration ceremony in-process and exits. The
// normal path is 'attestctl register' against a running daemon; this exists
// for provisioning scripts that register before the daemon is installed.
func cmdRegister() {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	deviceName := fs.String("name", "", "device display name (default: config, then hostname)")
	fs.Parse(os.Args[2:])

	cfg := mustLoadConfig(*configPath)

	if cfg.Backend.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: backend.base_url is not configured")
		os.Exit(1)
	}

	log, err := logging.New(&logging.Config{
		Level:  logging.LevelWarn,
		Format: logging.FormatText,
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)

	ctx := context.Background()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	auth, err := authenticator.Detect(ctx, authenticator.Config{
		Origin:         cfg.Origin(),
		DataDir:        cfg.Storage.DataDir,
		PreferPlatform: cfg.Authenticator.PreferPlatform,
		TPMPath:        cfg.Authenticator.TPMPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error detecting authenticator: %v\n", err)
		os.Exit(1)
	}
	defer auth.Close()

	mgr, err := manager.New(ctx, manager.Config{
		Client: manager.NewClient(manager.ClientConfig{
			BaseURL: cfg.Backend.BaseURL,
			Timeout: cfg.BackendTimeout(),
		}),
		Store:         st,
		Authenticator: auth,
		Logger:        log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating manager: %v\n", err)
		os.Exit(1)
	}

	if mgr.IsRegistered() {
		ref := mgr.Credential()
		fmt.Printf("Already registered (credential %s).\n", ref.CredentialID)
		fmt.Println("Run 'attestctl clear' first to register again.")
		return
	}

	name := *deviceName
	if name == "" {
		name = cfg.Backend.DeviceName
	}
	if name == "" {
		name, _ = os.Hostname()
	}

	fmt.Printf("Registering device %q with %s...\n", name, cfg.Backend.BaseURL)

	if !mgr.Register(ctx, name) {
		fmt.Fprintf(os.Stderr, "Registration failed: %s\n", mgr.LastError())
		os.Exit(1)
	}

	att := mgr.Attestation()
	fmt.Println("Registration complete.")
	fmt.Printf("  Credential:  %s\n", att.CredentialID)
	fmt.Printf("  Type:        %s\n", att.AuthenticatorType)
	fmt.Printf("  Format:      %s\n", att.AttestationFormat)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg := mustLoadConfig(*configPath)
	paths := config.GetDefaultPaths()

	fmt.Println("=== attestd Status ===")
	fmt.Println()
	fmt.Printf("Data directory: %s\n", config.AttestdDir())

	if cfg.Backend.BaseURL != "" {
		fmt.Printf("Backend: %s\n", cfg.Backend.BaseURL)
	} else {
		fmt.Println("Backend: (not configured)")
	}

	if pid, running := daemonPID(paths.PIDFile); running {
		fmt.Printf("Daemon: RUNNING (PID %d)\n", pid)
	} else if pid != 0 {
		fmt.Printf("Daemon: STALE PID FILE (PID %d not found)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}
	fmt.Println()

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("Store: not created (run 'attestd serve' or 'attestd register')")
		return
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ref, err := st.LoadCredential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
		os.Exit(1)
	}
	if ref == nil {
		fmt.Println("Credential: none registered")
	} else {
		fmt.Printf("Credential: %s\n", ref.CredentialID)
		if ref.DeviceName != "" {
			fmt.Printf("Device name: %s\n", ref.DeviceName)
		}
		fmt.Printf("Registered: %s\n", time.Unix(ref.CreatedAt, 0).Format(time.RFC3339))
	}

	att, err := st.LoadAttestation()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
		os.Exit(1)
	}
	if att == nil {
		fmt.Println("Attestation: none")
	} else {
		age := time.Since(time.Unix(att.AttestedAt, 0)).Round(time.Second)
		if att.Fresh() {
			fmt.Printf("Attestation: FRESH (%s old, %s)\n", age, att.AttestationFormat)
		} else {
			fmt.Printf("Attestation: STALE (%s old, window %s)\n", age, attestation.FreshnessWindow)
		}
	}

	fmt.Println()
	fmt.Println("TPM: ", func() string {
		if config.HasTPMSupport() {
			return "available"
		}
		return "not available"
	}())
}

// mustLoadConfig loads the config at path, falling back to the search path
// and then to defaults. Validation warnings are ignored here; the daemon
// logs them on startup.
func mustLoadConfig(path string) *config.Config {
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
