// attestctl is the control CLI for the attestd daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"attestd/internal/authenticator"
	"attestd/internal/config"
	"attestd/internal/store"
)

// Version is stamped by the release build; this is the dev fallback.
var Version = "0.4.0-dev"

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "probe":
		cmdProbe()
	case "register":
		cmdRegister(flag.Args()[1:])
	case "refresh":
		cmdRefresh()
	case "token":
		cmdToken()
	case "clear":
		cmdClear()
	case "version":
		fmt.Printf("attestctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `attestctl - Control utility for attestd

Usage: attestctl [options] <command> [args]

Commands:
  status            Show daemon and attestation state
  probe             Probe authenticator availability on this machine
  register [-name]  Register this device with the sealing backend
  refresh           Re-authenticate and refresh the device attestation
  token             Print the fresh serialized attestation (exit 1 if stale)
  clear             Remove the stored credential and attestation
  help              Show this help message

Options:
  -config <path>    Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		printError(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}
	return cfg
}

func cmdStatus() {
	cfg := loadConfig()

	// Live state from the daemon when it is up, persisted state otherwise.
	if client, err := newAPIClient(cfg); err == nil {
		status, err := client.Status()
		if err != nil {
			printError(fmt.Sprintf("Failed to get status: %v", err))
			os.Exit(1)
		}
		printLiveStatus(status)
		return
	}

	printSection("DAEMON")
	fmt.Printf("  %sStatus%s         %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	fmt.Printf("  %sTip%s: Start it with: attestd serve\n", c.Dim, c.Reset)

	printStoredStatus(cfg)
}

func printLiveStatus(status *statusResponse) {
	printSection("DAEMON")
	fmt.Printf("  %sStatus%s         %s%sRUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	fmt.Printf("  %sVersion%s        %s\n", c.Dim, c.Reset, status.Version)
	fmt.Printf("  %sUptime%s         %s\n", c.Dim, c.Reset, (time.Duration(status.UptimeSec) * time.Second).String())
	fmt.Printf("  %sPhase%s          %s\n", c.Dim, c.Reset, status.Phase)

	printSection("DEVICE")
	if status.Supported {
		fmt.Printf("  %sAuthenticator%s  %s%sAVAILABLE%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sAuthenticator%s  %s%sNOT AVAILABLE%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
	}
	if status.Registered {
		fmt.Printf("  %sCredential%s     %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.CredentialID, c.Reset)
		if status.DeviceName != "" {
			fmt.Printf("  %sDevice name%s    %s\n", c.Dim, c.Reset, status.DeviceName)
		}
	} else {
		fmt.Printf("  %sCredential%s     %s%sNOT REGISTERED%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	}

	printSection("ATTESTATION")
	if status.AttestedAt == 0 {
		fmt.Printf("  %sState%s          none\n", c.Dim, c.Reset)
	} else {
		age := time.Since(time.Unix(status.AttestedAt, 0)).Round(time.Second)
		if status.Fresh {
			fmt.Printf("  %sState%s          %s%sFRESH%s (%s old)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset, age)
		} else {
			fmt.Printf("  %sState%s          %s%sSTALE%s (%s old)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, age)
		}
	}
	if status.LastError != "" {
		fmt.Printf("  %sLast error%s     %s%s%s\n", c.Dim, c.Reset, c.Red, status.LastError, c.Reset)
	}
	fmt.Println()
}

func printStoredStatus(cfg *config.Config) {
	printSection("STORED STATE")

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Printf("  %sNo attestation store at %s%s\n", c.Dim, cfg.Storage.Path, c.Reset)
		fmt.Println()
		return
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		printError(fmt.Sprintf("Error opening store: %v", err))
		os.Exit(1)
	}
	defer st.Close()

	ref, err := st.LoadCredential()
	if err != nil {
		printError(fmt.Sprintf("Error reading store: %v", err))
		os.Exit(1)
	}
	if ref == nil {
		fmt.Printf("  %sCredential%s     none registered\n", c.Dim, c.Reset)
	} else {
		fmt.Printf("  %sCredential%s     %s%s%s\n", c.Dim, c.Reset, c.Cyan, ref.CredentialID, c.Reset)
		if ref.DeviceName != "" {
			fmt.Printf("  %sDevice name%s    %s\n", c.Dim, c.Reset, ref.DeviceName)
		}
	}

	att, err := st.LoadAttestation()
	if err != nil {
		printError(fmt.Sprintf("Error reading store: %v", err))
		os.Exit(1)
	}
	if att == nil {
		fmt.Printf("  %sAttestation%s    none\n", c.Dim, c.Reset)
	} else {
		age := time.Since(time.Unix(att.AttestedAt, 0)).Round(time.Second)
		if att.Fresh() {
			fmt.Printf("  %sAttestation%s    %s%sFRESH%s (%s old)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset, age)
		} else {
			fmt.Printf("  %sAttestation%s    %s%sSTALE%s (%s old)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, age)
		}
	}
	fmt.Println()
}

// cmdProbe checks authenticator availability directly, without the daemon.
func cmdProbe() {
	cfg := loadConfig()
	ctx := context.Background()

	printSection("AUTHENTICATOR PROBE")

	if config.HasTPMSupport() {
		fmt.Printf("  %sTPM%s            %s%sPRESENT%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sTPM%s            not present\n", c.Dim, c.Reset)
	}

	auth, err := authenticator.Detect(ctx, authenticator.Config{
		Origin:         cfg.Origin(),
		DataDir:        cfg.Storage.DataDir,
		PreferPlatform: cfg.Authenticator.PreferPlatform,
		TPMPath:        cfg.Authenticator.TPMPath,
	})
	if err != nil {
		printError(fmt.Sprintf("Probe failed: %v", err))
		os.Exit(1)
	}
	defer auth.Close()

	fmt.Printf("  %sSelected%s       %s\n", c.Dim, c.Reset, string(auth.Type()))
	if auth.Available(ctx) {
		fmt.Printf("  %sCeremonies%s     %s%sAVAILABLE%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sCeremonies%s     %s%sNOT AVAILABLE%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		fmt.Println()
		os.Exit(1)
	}
	fmt.Println()
}

func cmdRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	name := fs.String("name", "", "device display name")
	fs.Parse(args)

	client := mustConnect()

	fmt.Printf("Registering device...")
	resp, err := client.Register(*name)
	if err != nil {
		fmt.Println()
		printError(fmt.Sprintf("Registration request failed: %v", err))
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Println()
		printError(resp.LastError)
		os.Exit(1)
	}
	fmt.Printf(" done\n\n")

	status, err := client.Status()
	if err == nil && status.CredentialID != "" {
		fmt.Printf("%s%s DEVICE REGISTERED %s\n\n", c.Bold, c.Green, c.Reset)
		fmt.Printf("  %sCredential%s  %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.CredentialID, c.Reset)
		if status.DeviceName != "" {
			fmt.Printf("  %sDevice%s      %s\n", c.Dim, c.Reset, status.DeviceName)
		}
		fmt.Println()
	}
}

func cmdRefresh() {
	client := mustConnect()

	fmt.Printf("Refreshing attestation...")
	resp, err := client.Authenticate()
	if err != nil {
		fmt.Println()
		printError(fmt.Sprintf("Refresh request failed: %v", err))
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Println()
		printError(resp.LastError)
		os.Exit(1)
	}
	fmt.Printf(" done\n\n")
	fmt.Printf("%s%s ATTESTATION REFRESHED %s\n\n", c.Bold, c.Green, c.Reset)
}

// cmdToken prints the fresh serialized attestation to stdout, or exits
// non-zero when there is none. Output is bare JSON for piping into the
// sealing tools.
func cmdToken() {
	cfg := loadConfig()

	if client, err := newAPIClient(cfg); err == nil {
		token, err := client.Attestation()
		if err != nil {
			fmt.Fprintln(os.Stderr, "no fresh attestation")
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Daemon down: read the store directly and apply the same gate.
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no fresh attestation")
		os.Exit(1)
	}
	defer st.Close()

	att, err := st.LoadAttestation()
	if err != nil || att == nil || !att.Fresh() {
		fmt.Fprintln(os.Stderr, "no fresh attestation")
		os.Exit(1)
	}
	serialized, err := att.Serialize()
	if err != nil {
		fmt.Fprintln(os.Stderr, "no fresh attestation")
		os.Exit(1)
	}
	fmt.Println(serialized)
}

func cmdClear() {
	cfg := loadConfig()

	if client, err := newAPIClient(cfg); err == nil {
		resp, err := client.Clear()
		if err != nil {
			printError(fmt.Sprintf("Clear failed: %v", err))
			os.Exit(1)
		}
		if !resp.Success {
			printError(resp.LastError)
			os.Exit(1)
		}
		fmt.Println("Credential and attestation cleared.")
		return
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		printError(fmt.Sprintf("Error opening store: %v", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Clear(); err != nil {
		printError(fmt.Sprintf("Clear failed: %v", err))
		os.Exit(1)
	}
	fmt.Println("Credential and attestation cleared.")
}

// mustConnect returns a daemon client or exits with a hint. Ceremony
// commands go through the daemon so its in-memory state stays the truth.
func mustConnect() *apiClient {
	cfg := loadConfig()
	client, err := newAPIClient(cfg)
	if err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: Start the daemon with: attestd serve\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}
