// Package local provides in-process implementations of the host
// platform hooks the federation subsystem depends on: a channel
// directory and an event publisher. A full deployment replaces these
// with adapters onto the real chat backend.
package local

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"commune/pkg/federation"
	"commune/pkg/store"
)

// Directory is an in-memory channel directory.
type Directory struct {
	mu       sync.RWMutex
	channels []federation.LocalChannel
	users    int
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// SetUserCount sets the server-wide user count reported in stats.
func (d *Directory) SetUserCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = n
}

// AddChannel registers a channel, assigning an ID when absent.
func (d *Directory) AddChannel(ch federation.LocalChannel) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt == 0 {
		ch.CreatedAt = time.Now().Unix()
	}
	d.channels = append(d.channels, ch)
	return ch.ID
}

func (d *Directory) ListChannels() ([]federation.LocalChannel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]federation.LocalChannel, len(d.channels))
	copy(out, d.channels)
	return out, nil
}

func (d *Directory) FindChannel(localID string) (*federation.LocalChannel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.channels {
		if d.channels[i].ID == localID {
			ch := d.channels[i]
			return &ch, nil
		}
	}
	return nil, nil
}

func (d *Directory) CreateShadowChannel(ch federation.LocalChannel) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch.Name == "" {
		return "", fmt.Errorf("shadow channel needs a name")
	}
	for _, existing := range d.channels {
		if strings.EqualFold(existing.Name, ch.Name) {
			return "", fmt.Errorf("channel name %q already taken", ch.Name)
		}
	}
	ch.ID = uuid.NewString()
	if ch.CreatedAt == 0 {
		ch.CreatedAt = time.Now().Unix()
	}
	d.channels = append(d.channels, ch)
	return ch.ID, nil
}

func (d *Directory) RenameChannel(localID, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.channels {
		if d.channels[i].ID == localID {
			d.channels[i].Name = newName
			return nil
		}
	}
	return fmt.Errorf("channel %s not found", localID)
}

func (d *Directory) Stats() (store.ServerStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return store.ServerStats{
		Users:    d.users,
		Channels: len(d.channels),
	}, nil
}
