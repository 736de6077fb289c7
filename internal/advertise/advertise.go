// Package advertise announces the accessory's presence over DNS-SD so
// controllers can discover it. The advertisement carries the pairing
// status flag and the configuration/state numbers; it must be refreshed
// whenever those change.
package advertise

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"hearth/internal/logging"
)

var alog = logging.For("advertise")

const (
	serviceType     = "_hap._tcp."
	serviceDomain   = "local."
	protocolVersion = "1.1"
)

// Config is the static accessory description, fixed at construction.
type Config struct {
	Name      string // service instance name
	DeviceID  string // persistent device ID, MAC style
	Model     string
	Category  int
	Port      int
	Interface string // network interface to announce on; empty = all
}

// State is the mutable part of the advertisement.
type State struct {
	ConfigNumber uint32
	StateNumber  uint32
	Paired       bool
}

// Advertiser announces one accessory. Safe for concurrent use.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// New returns an Advertiser for the given accessory description.
func New(cfg Config) *Advertiser {
	return &Advertiser{cfg: cfg}
}

// Start begins announcing with the given state.
func (a *Advertiser) Start(st State) error {
	return a.register(st)
}

// Update refreshes the advertisement after a pairing or state change.
func (a *Advertiser) Update(st State) error {
	return a.register(st)
}

// Shutdown stops announcing. Safe to call when not started.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) register(st State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := buildTXT(a.cfg, st)
	server, err := zeroconf.Register(
		a.cfg.Name,
		serviceType,
		serviceDomain,
		a.cfg.Port,
		txt,
		a.interfaces(),
	)
	if err != nil {
		return fmt.Errorf("advertise: register %s: %w", serviceType, err)
	}
	a.server = server
	alog.Info("advertising", "name", a.cfg.Name, "port", a.cfg.Port,
		"paired", st.Paired, "config", st.ConfigNumber)
	return nil
}

// interfaces resolves the configured interface name; nil means all.
func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		alog.Warn("interface not found, announcing on all", "interface", a.cfg.Interface, "err", err)
		return nil
	}
	return []net.Interface{*iface}
}

// buildTXT assembles the accessory TXT records. The status flag sf is 1
// while unpaired and 0 once a controller has paired; controllers use c#
// and s# to notice configuration and state changes without connecting.
func buildTXT(cfg Config, st State) []string {
	sf := "1"
	if st.Paired {
		sf = "0"
	}
	return []string{
		"c#=" + strconv.FormatUint(uint64(st.ConfigNumber), 10),
		"ff=0",
		"id=" + cfg.DeviceID,
		"md=" + cfg.Model,
		"pv=" + protocolVersion,
		"s#=" + strconv.FormatUint(uint64(st.StateNumber), 10),
		"sf=" + sf,
		"ci=" + strconv.Itoa(cfg.Category),
	}
}
