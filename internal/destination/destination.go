// Package destination holds the registry of named sending targets.
package destination

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
)

// Kind is the transport used to reach a destination
type Kind string

const (
	KindTelegram Kind = "telegram"
	KindWhatsApp Kind = "whatsapp"
	KindEmail    Kind = "email"
)

// Valid reports whether k is a known transport kind
func (k Kind) Valid() bool {
	switch k {
	case KindTelegram, KindWhatsApp, KindEmail:
		return true
	}
	return false
}

// DocumentKey is the store key of the registry document
const DocumentKey = "destinations"

var (
	ErrNotFound = errors.New("destination not found")
	ErrInvalid  = errors.New("invalid destination")
)

// Destination is a named external target. Address is opaque here: a chat
// id, channel handle, phone number or mailbox depending on Kind.
type Destination struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Address   string    `json:"address"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields
func (d *Destination) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, d.Kind)
	}
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	return nil
}

// Update is a partial edit; nil fields are left unchanged
type Update struct {
	Name    *string `json:"name,omitempty"`
	Kind    *Kind   `json:"kind,omitempty"`
	Address *string `json:"address,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Registry is the in-memory set of destinations. Every mutation is
// written through to the persister.
type Registry struct {
	mu      sync.RWMutex
	items   []*Destination
	persist store.Persister
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(persist store.Persister, logger *slog.Logger) *Registry {
	return &Registry{
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// Restore replaces the registry content with the persisted document
func (r *Registry) Restore(loader store.Loader) error {
	var items []*Destination
	found, err := loader.Load(DocumentKey, &items)
	if err != nil {
		return fmt.Errorf("failed to load destinations: %w", err)
	}
	if !found {
		return nil
	}

	r.mu.Lock()
	r.items = items
	r.mu.Unlock()

	r.logger.Info("destinations restored", "count", len(items))
	return nil
}

// Add validates d, assigns an id and stores it
func (r *Registry) Add(d Destination) (Destination, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Address = strings.TrimSpace(d.Address)
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = r.now()
	d.UpdatedAt = d.CreatedAt

	r.mu.Lock()
	for _, existing := range r.items {
		if existing.ID == d.ID {
			r.mu.Unlock()
			return Destination{}, fmt.Errorf("%w: duplicate id %s", ErrInvalid, d.ID)
		}
	}
	stored := d
	r.items = append(r.items, &stored)
	r.saveLocked()
	r.mu.Unlock()

	r.logger.Info("destination added", "id", d.ID, "name", d.Name, "kind", d.Kind)
	return d, nil
}

// Update applies a partial edit
func (r *Registry) Update(id string, u Update) (Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.findLocked(id)
	if d == nil {
		return Destination{}, ErrNotFound
	}

	edited := *d
	if u.Name != nil {
		edited.Name = strings.TrimSpace(*u.Name)
	}
	if u.Kind != nil {
		edited.Kind = *u.Kind
	}
	if u.Address != nil {
		edited.Address = strings.TrimSpace(*u.Address)
	}
	if u.Enabled != nil {
		edited.Enabled = *u.Enabled
	}
	if err := edited.Validate(); err != nil {
		return Destination{}, err
	}
	edited.UpdatedAt = r.now()

	*d = edited
	r.saveLocked()
	return edited, nil
}

// SetEnabled toggles a destination
func (r *Registry) SetEnabled(id string, enabled bool) (Destination, error) {
	return r.Update(id, Update{Enabled: &enabled})
}

// Remove deletes a destination
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.items {
		if d.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			r.saveLocked()
			r.logger.Info("destination removed", "id", id)
			return nil
		}
	}
	return ErrNotFound
}

// Get returns a destination by id
func (r *Registry) Get(id string) (Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := r.findLocked(id)
	if d == nil {
		return Destination{}, ErrNotFound
	}
	return *d, nil
}

// List returns all destinations in insertion order
func (r *Registry) List() []Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Destination, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, *d)
	}
	return out
}

// Enabled returns a snapshot of enabled destinations in insertion order.
// Callers iterate the copy, so edits made during a run do not affect it.
func (r *Registry) Enabled() []Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Destination
	for _, d := range r.items {
		if d.Enabled {
			out = append(out, *d)
		}
	}
	return out
}

func (r *Registry) findLocked(id string) *Destination {
	for _, d := range r.items {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *Registry) saveLocked() {
	if r.persist == nil {
		return
	}
	snapshot := make([]Destination, 0, len(r.items))
	for _, d := range r.items {
		snapshot = append(snapshot, *d)
	}
	r.persist.Persist(DocumentKey, snapshot)
}
