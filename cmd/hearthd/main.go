package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"hearth/internal/advertise"
	"hearth/internal/config"
	"hearth/internal/logging"
	"hearth/internal/pairing"
	boltstore "hearth/internal/store/bolt"
	"hearth/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	name := flag.String("name", "", "accessory name (overrides config)")
	setupCode := flag.String("setup-code", "", "setup code (overrides config)")
	flag.Parse()

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dataDir != "" {
		cfg.Accessory.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Network.Listen = *listen
	}
	if *name != "" {
		cfg.Accessory.Name = *name
	}
	if *setupCode != "" {
		cfg.Accessory.SetupCode = *setupCode
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	// The pairing handshake needs a setup code; ask interactively when
	// none is configured.
	if cfg.Accessory.SetupCode == "" {
		code, err := promptSetupCode()
		if err != nil {
			log.Fatalf("setup code: %v", err)
		}
		cfg.Accessory.SetupCode = code
	}

	cfg.Accessory.DataDir = config.ExpandHome(cfg.Accessory.DataDir)
	if err := os.MkdirAll(cfg.Accessory.DataDir, 0700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	// Open persistent store
	store, err := boltstore.Open(filepath.Join(cfg.Accessory.DataDir, "data.db"))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer store.Close()

	pairings := pairing.NewRegistry(store)
	identity := pairing.NewIdentity(store)

	deviceID, err := identity.DeviceID()
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("Accessory:  %s (%s)", cfg.Accessory.Name, cfg.Accessory.Model)
	log.Printf("Device ID:  %s", deviceID)

	// Accept loop with per-connection transport sessions
	listener, err := transport.Listen(cfg.Network.Listen)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	log.Printf("Listening on %s", listener.Addr())

	// Advertise presence over DNS-SD
	var adv *advertise.Advertiser
	if cfg.Network.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		adv = advertise.New(advertise.Config{
			Name:      cfg.Accessory.Name,
			DeviceID:  deviceID,
			Model:     cfg.Accessory.Model,
			Category:  cfg.Accessory.Category,
			Port:      port,
			Interface: cfg.Network.Interface,
		})
		st, err := advertiseState(pairings, identity)
		if err != nil {
			log.Fatalf("advertise: %v", err)
		}
		if err := adv.Start(st); err != nil {
			log.Fatalf("advertise: %v", err)
		}
		defer adv.Shutdown()
	}

	srv := &http.Server{Handler: newMux(pairings, identity, listener)}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	_ = srv.Close()
	_ = listener.Close()
}

func advertiseState(pairings *pairing.Registry, identity *pairing.Identity) (advertise.State, error) {
	paired, err := pairings.IsPaired()
	if err != nil {
		return advertise.State{}, err
	}
	cn, err := identity.ConfigNumber()
	if err != nil {
		return advertise.State{}, err
	}
	sn, err := identity.StateNumber()
	if err != nil {
		return advertise.State{}, err
	}
	return advertise.State{ConfigNumber: cn, StateNumber: sn, Paired: paired}, nil
}

// newMux wires the management endpoints. Accessory protocol routing
// (characteristics, pairing handshake) is handled by the upper request
// server and plugs into the same listener.
func newMux(pairings *pairing.Registry, identity *pairing.Identity, l *transport.Listener) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		paired, err := pairings.IsPaired()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		count, err := pairings.Count()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cn, err := identity.ConfigNumber()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"paired":        paired,
			"pairings":      count,
			"config_number": cn,
			"connections":   l.Count(),
		})
	})
	return mux
}

func promptSetupCode() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no setup code configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Setup code (NNN-NN-NNN): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	code := strings.TrimSpace(string(raw))
	if err := config.ValidateSetupCode(code); err != nil {
		return "", err
	}
	return code, nil
}
