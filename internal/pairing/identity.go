package pairing

import (
	"crypto/rand"
	"fmt"
	"strconv"

	"hearth/internal/store"
)

var metaBucket = []byte("meta")

var (
	deviceIDKey     = []byte("device_id")
	configNumberKey = []byte("config_number")
	stateNumberKey  = []byte("state_number")
)

// Identity is the accessory's persistent identity: a random device ID
// generated on first run, plus the configuration and state numbers the
// advertisement carries. Controllers use the config number to detect
// accessory changes, so it must never move backwards.
type Identity struct {
	store store.Store
}

// NewIdentity returns an Identity backed by the given store.
func NewIdentity(st store.Store) *Identity {
	return &Identity{store: st}
}

// DeviceID returns the accessory's device ID, generating and persisting a
// random one (MAC address style, XX:XX:XX:XX:XX:XX) on first use.
func (i *Identity) DeviceID() (string, error) {
	data, err := i.store.Get(metaBucket, deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("identity: read device id: %w", err)
	}
	if data != nil {
		return string(data), nil
	}

	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("identity: generate device id: %w", err)
	}
	id := fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		raw[0], raw[1], raw[2], raw[3], raw[4], raw[5])

	if err := i.store.Put(metaBucket, deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("identity: persist device id: %w", err)
	}
	plog.Info("generated accessory device id", "id", id)
	return id, nil
}

// ConfigNumber returns the accessory configuration number (minimum 1).
func (i *Identity) ConfigNumber() (uint32, error) {
	return i.counter(configNumberKey)
}

// BumpConfigNumber increments the configuration number, to be called when
// the accessory's services change. Returns the new value.
func (i *Identity) BumpConfigNumber() (uint32, error) {
	return i.bump(configNumberKey)
}

// StateNumber returns the global state number (minimum 1).
func (i *Identity) StateNumber() (uint32, error) {
	return i.counter(stateNumberKey)
}

// BumpStateNumber increments the global state number, to be called when a
// characteristic value changes while disconnected controllers may care.
func (i *Identity) BumpStateNumber() (uint32, error) {
	return i.bump(stateNumberKey)
}

func (i *Identity) counter(key []byte) (uint32, error) {
	data, err := i.store.Get(metaBucket, key)
	if err != nil {
		return 0, fmt.Errorf("identity: read %s: %w", key, err)
	}
	if data == nil {
		return 1, nil
	}
	n, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("identity: corrupt %s value %q: %w", key, data, err)
	}
	return uint32(n), nil
}

func (i *Identity) bump(key []byte) (uint32, error) {
	n, err := i.counter(key)
	if err != nil {
		return 0, err
	}
	n++
	if err := i.store.Put(metaBucket, key, []byte(strconv.FormatUint(uint64(n), 10))); err != nil {
		return 0, fmt.Errorf("identity: persist %s: %w", key, err)
	}
	return n, nil
}
