// Package pairing keeps the accessory's controller pairings and persistent
// identity. Records survive restarts; a paired accessory stays paired until
// an admin controller removes the pairing.
package pairing

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hearth/internal/logging"
	"hearth/internal/store"
)

var plog = logging.For("pairing")

var pairingsBucket = []byte("pairings")

var (
	// ErrNotAdmin is returned when a non-admin controller tries to remove
	// a pairing.
	ErrNotAdmin = errors.New("pairing: requester is not an admin")

	// ErrNotFound is returned when the referenced pairing does not exist.
	ErrNotFound = errors.New("pairing: not found")
)

// Record is one paired controller.
type Record struct {
	ID        string `json:"id"`         // controller pairing identifier (UUID)
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 long-term key
	Admin     bool   `json:"admin"`
	AddedAt   int64  `json:"added_at"` // unix seconds
}

// Registry is the persistent set of controller pairings.
type Registry struct {
	store store.Store
}

// NewRegistry returns a Registry backed by the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Add persists a new controller pairing. The controller ID must be a UUID
// string and the public key 32 bytes, as supplied by the pairing handshake.
func (r *Registry) Add(id string, publicKey []byte, admin bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("pairing: controller id %q is not a UUID: %w", id, err)
	}
	if len(publicKey) != 32 {
		return fmt.Errorf("pairing: public key must be 32 bytes, got %d", len(publicKey))
	}

	rec := Record{
		ID:        id,
		PublicKey: hex.EncodeToString(publicKey),
		Admin:     admin,
		AddedAt:   time.Now().Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pairing: marshal record: %w", err)
	}
	if err := r.store.Put(pairingsBucket, []byte(id), data); err != nil {
		return fmt.Errorf("pairing: persist record: %w", err)
	}
	plog.Info("pairing added", "controller", id, "admin", admin)
	return nil
}

// Get returns the pairing record for a controller ID.
func (r *Registry) Get(id string) (*Record, error) {
	data, err := r.store.Get(pairingsBucket, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("pairing: read record: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("pairing: unmarshal record: %w", err)
	}
	return &rec, nil
}

// Remove deletes the pairing identified by targetID on behalf of
// requesterID. Only admin controllers may remove pairings; when the last
// admin pairing is gone, all remaining pairings are removed and the
// accessory returns to unpaired state.
func (r *Registry) Remove(requesterID, targetID string) error {
	requester, err := r.Get(requesterID)
	if err != nil {
		return err
	}
	if !requester.Admin {
		return ErrNotAdmin
	}

	if err := r.store.Delete(pairingsBucket, []byte(targetID)); err != nil {
		return fmt.Errorf("pairing: delete record: %w", err)
	}
	plog.Info("pairing removed", "controller", targetID)

	hasAdmin, err := r.HasAdmin()
	if err != nil {
		return err
	}
	if !hasAdmin {
		plog.Info("no admin pairing left, removing all pairings")
		return r.RemoveAll()
	}
	return nil
}

// RemoveAll deletes every pairing.
func (r *Registry) RemoveAll() error {
	if err := r.store.DeleteBucket(pairingsBucket); err != nil {
		return fmt.Errorf("pairing: remove all: %w", err)
	}
	return nil
}

// List returns all pairing records.
func (r *Registry) List() ([]Record, error) {
	var out []Record
	err := r.store.ForEach(pairingsBucket, func(_, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("pairing: unmarshal record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of pairings.
func (r *Registry) Count() (int, error) {
	n := 0
	err := r.store.ForEach(pairingsBucket, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// IsPaired reports whether at least one controller is paired. The
// advertisement's status flag depends on this.
func (r *Registry) IsPaired() (bool, error) {
	n, err := r.Count()
	return n > 0, err
}

// IsAdmin reports whether the given controller is paired with admin rights.
func (r *Registry) IsAdmin(id string) (bool, error) {
	rec, err := r.Get(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Admin, nil
}

// HasAdmin reports whether any admin pairing exists.
func (r *Registry) HasAdmin() (bool, error) {
	found := false
	err := r.store.ForEach(pairingsBucket, func(_, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("pairing: unmarshal record: %w", err)
		}
		if rec.Admin {
			found = true
		}
		return nil
	})
	return found, err
}
