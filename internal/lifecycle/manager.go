package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrDraftNotFound     = errors.New("draft not found")
	ErrDraftAccessDenied = errors.New("draft access denied")
)

// Factory builds a controller for a new draft slot. Implementations wire the
// conversation machine, the group service bound to the owner, and the
// change listener.
type Factory func(ctx context.Context, draftID, ownerID string) (*Controller, error)

type slot struct {
	ownerID string
	ctrl    *Controller
}

// Manager owns the set of live draft slots, one controller per slot, keyed
// by draft id and bound to the user who opened it.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		logger:  logger.With("component", "lifecycle"),
		slots:   make(map[string]*slot),
	}
}

// Open creates a new draft slot for ownerID and returns its controller.
func (m *Manager) Open(ctx context.Context, ownerID string) (*Controller, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("lifecycle: manager closed")
	}
	m.mu.Unlock()

	draftID := uuid.NewString()
	ctrl, err := m.factory(ctx, draftID, ownerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ctrl.Dismiss()
		return nil, errors.New("lifecycle: manager closed")
	}
	m.slots[draftID] = &slot{ownerID: ownerID, ctrl: ctrl}
	m.mu.Unlock()

	m.logger.Info("draft opened", "draftId", draftID, "userId", ownerID)
	return ctrl, nil
}

// Get returns the controller for a draft the given user owns.
func (m *Manager) Get(draftID, ownerID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[draftID]
	if !ok {
		return nil, ErrDraftNotFound
	}
	if s.ownerID != ownerID {
		return nil, ErrDraftAccessDenied
	}
	return s.ctrl, nil
}

// Dismiss releases a draft slot: the controller is dismissed and the slot
// forgotten.
func (m *Manager) Dismiss(draftID, ownerID string) error {
	m.mu.Lock()
	s, ok := m.slots[draftID]
	if ok && s.ownerID != ownerID {
		m.mu.Unlock()
		return ErrDraftAccessDenied
	}
	delete(m.slots, draftID)
	m.mu.Unlock()

	if !ok {
		return ErrDraftNotFound
	}
	s.ctrl.Dismiss()
	m.logger.Info("draft dismissed", "draftId", draftID, "userId", ownerID)
	return nil
}

// CloseAll dismisses every live slot. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.slots = make(map[string]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.ctrl.Dismiss()
	}
}
