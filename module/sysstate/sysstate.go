// Package sysstate holds the process-wide system flags. The manager is
// injected into every component; only the admin control plane (and the
// reconciler through it) mutates the flags.
package sysstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
)

// Manager owns the runtime view of custody.SystemState and keeps the
// persisted snapshot in sync with every mutation.
type Manager struct {
	log   zerolog.Logger
	store storage.SystemState

	mu          sync.Mutex // serializes persisted writes
	paused      *atomic.Bool
	emergency   *atomic.Bool
	maintenance *atomic.Bool
}

// NewManager loads the persisted snapshot, or starts from a clean state on
// first boot.
func NewManager(log zerolog.Logger, store storage.SystemState) (*Manager, error) {
	m := &Manager{
		log:         log.With().Str("component", "system_state").Logger(),
		store:       store,
		paused:      atomic.NewBool(false),
		emergency:   atomic.NewBool(false),
		maintenance: atomic.NewBool(false),
	}

	snapshot, err := store.Retrieve()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("could not load system state: %w", err)
		}
		err = store.Save(&custody.SystemState{UpdatedAt: time.Now().UTC()})
		if err != nil {
			return nil, fmt.Errorf("could not initialize system state: %w", err)
		}
		return m, nil
	}

	m.paused.Store(snapshot.Paused)
	m.emergency.Store(snapshot.EmergencyMode)
	m.maintenance.Store(snapshot.MaintenanceMode)
	if snapshot.Paused {
		m.log.Warn().Msg("system restored in paused state")
	}
	return m, nil
}

// Paused reports whether submissions are rejected.
func (m *Manager) Paused() bool {
	return m.paused.Load()
}

// EmergencyMode reports whether a protective measure is in force.
func (m *Manager) EmergencyMode() bool {
	return m.emergency.Load()
}

// MaintenanceMode reports whether the system is under maintenance.
func (m *Manager) MaintenanceMode() bool {
	return m.maintenance.Load()
}

// RequireNotPaused is the gate every submission path starts with.
func (m *Manager) RequireNotPaused() error {
	if m.paused.Load() {
		return custody.ErrSystemPaused
	}
	return nil
}

// SetPaused flips the pause flag and persists the snapshot.
func (m *Manager) SetPaused(paused bool) error {
	m.paused.Store(paused)
	m.log.Info().Bool("paused", paused).Msg("pause flag updated")
	return m.persist()
}

// SetEmergencyMode flips the emergency flag and persists the snapshot.
func (m *Manager) SetEmergencyMode(on bool) error {
	m.emergency.Store(on)
	m.log.Info().Bool("emergency_mode", on).Msg("emergency mode updated")
	return m.persist()
}

// SetMaintenanceMode flips the maintenance flag and persists the snapshot.
func (m *Manager) SetMaintenanceMode(on bool) error {
	m.maintenance.Store(on)
	m.log.Info().Bool("maintenance_mode", on).Msg("maintenance mode updated")
	return m.persist()
}

// Snapshot returns a consistent copy of the flags.
func (m *Manager) Snapshot() custody.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return custody.SystemState{
		Paused:          m.paused.Load(),
		EmergencyMode:   m.emergency.Load(),
		MaintenanceMode: m.maintenance.Load(),
		UpdatedAt:       time.Now().UTC(),
	}
}

func (m *Manager) persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := custody.SystemState{
		Paused:          m.paused.Load(),
		EmergencyMode:   m.emergency.Load(),
		MaintenanceMode: m.maintenance.Load(),
		UpdatedAt:       time.Now().UTC(),
	}
	err := m.store.Save(&state)
	if err != nil {
		return fmt.Errorf("could not persist system state: %w", err)
	}
	return nil
}
