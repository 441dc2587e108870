// Package clientstate holds what the gallery needs to come back exactly as it
// was: favorites, the short-lived fast-return snapshot and the long-lived view
// state kept in the durable store.
package clientstate

import (
	"errors"
	"fmt"

	"go-civitai-library/internal/database"
	"go-civitai-library/internal/models"
)

// ViewStateStore persists view state per session. *database.DB satisfies it.
type ViewStateStore interface {
	GetViewState(session string) (models.ClientViewState, error)
	SetViewState(session string, state models.ClientViewState) error
	DeleteViewState(session string) error
}

// Cache groups the three client state tiers.
type Cache struct {
	Favorites *Favorites
	Snapshots *SnapshotStore
	views     ViewStateStore
}

// New wires the tiers. views may be nil, in which case view state is not kept.
func New(favorites *Favorites, snapshots *SnapshotStore, views ViewStateStore) *Cache {
	return &Cache{Favorites: favorites, Snapshots: snapshots, views: views}
}

// SaveView stores the long-lived view state for session.
func (c *Cache) SaveView(session string, state models.ClientViewState) error {
	if c.views == nil || session == "" {
		return nil
	}
	if err := c.views.SetViewState(session, state); err != nil {
		return fmt.Errorf("saving view state: %w", err)
	}
	return nil
}

// LoadView returns the saved view state for session. ok is false when none exists.
func (c *Cache) LoadView(session string) (models.ClientViewState, bool, error) {
	if c.views == nil || session == "" {
		return models.ClientViewState{}, false, nil
	}
	state, err := c.views.GetViewState(session)
	if errors.Is(err, database.ErrNotFound) {
		return models.ClientViewState{}, false, nil
	}
	if err != nil {
		return models.ClientViewState{}, false, fmt.Errorf("loading view state: %w", err)
	}
	return state, true, nil
}

// ForgetView drops both the snapshot and the long-lived state for session.
func (c *Cache) ForgetView(session string) error {
	c.Snapshots.Discard(session)
	if c.views == nil {
		return nil
	}
	return c.views.DeleteViewState(session)
}
