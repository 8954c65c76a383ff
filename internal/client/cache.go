// Package client implements the desktop agent side of the sync protocol:
// an encrypted offline cache, a pending-change queue and the HTTP client
// that exchanges batches with the gateway.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"

	"github.com/clinicore/dentsyncgo/internal/cryptobox"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

// ErrPartialPage signals that a page stopped applying midway; the
// checkpoint was not advanced and the page must be re-downloaded.
var ErrPartialPage = errors.New("page applied partially")

// Cache is the device's local, at-rest-encrypted copy of server state.
// Records are sealed individually so a single corrupted envelope cannot
// poison the whole cache.
type Cache struct {
	mu   stdsync.Mutex
	box  *cryptobox.Box
	path string

	state cacheState
}

type cacheState struct {
	LastSyncedSequence int64                          `json:"lastSyncedSequence"`
	Records            map[string]*cryptobox.Envelope `json:"records"`
}

// OpenCache loads (or initializes) the cache file using the injected box
func OpenCache(path string, box *cryptobox.Box) (*Cache, error) {
	c := &Cache{
		box:  box,
		path: path,
		state: cacheState{
			Records: make(map[string]*cryptobox.Envelope),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read: %w", err)
	}
	if err := json.Unmarshal(data, &c.state); err != nil {
		return nil, fmt.Errorf("cache: corrupt state file: %w", err)
	}
	if c.state.Records == nil {
		c.state.Records = make(map[string]*cryptobox.Envelope)
	}
	return c, nil
}

func recordKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// LastSyncedSequence is the device checkpoint persisted with the cache
func (c *Cache) LastSyncedSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastSyncedSequence
}

// Get decrypts one cached record; nil when absent
func (c *Cache) Get(entityType, entityID string) (map[string]interface{}, error) {
	c.mu.Lock()
	env, ok := c.state.Records[recordKey(entityType, entityID)]
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return c.box.Decrypt(env)
}

// ApplyPage applies a download page in ascending sequence order and, only
// after every change in the page is applied and persisted, advances the
// local checkpoint. A failure midway leaves the previous checkpoint so
// the page is re-fetched on retry (at-least-once redelivery).
func (c *Cache) ApplyPage(page *sync.DownloadPage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.LastSyncedSequence
	highest := prev

	for i := range page.Changes {
		change := &page.Changes[i]
		if change.SequenceNumber <= highest {
			c.reload()
			return fmt.Errorf("%w: out-of-order sequence %d after %d", ErrPartialPage, change.SequenceNumber, highest)
		}

		if err := c.applyChange(change); err != nil {
			// Roll the in-memory view back to the durable file
			c.reload()
			return fmt.Errorf("%w: %v", ErrPartialPage, err)
		}
		highest = change.SequenceNumber
	}

	c.state.LastSyncedSequence = highest
	if err := c.persist(); err != nil {
		c.state.LastSyncedSequence = prev
		return err
	}
	return nil
}

func (c *Cache) applyChange(change *models.OfflineChange) error {
	key := recordKey(change.EntityType, change.EntityID)

	if change.Operation == models.OperationDelete {
		delete(c.state.Records, key)
		return nil
	}

	env, err := c.box.Encrypt(map[string]interface{}(change.Data))
	if err != nil {
		return err
	}
	c.state.Records[key] = env
	return nil
}

// persist writes the cache atomically (write temp file, rename)
func (c *Cache) persist() error {
	data, err := json.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

func (c *Cache) reload() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		c.state = cacheState{Records: make(map[string]*cryptobox.Envelope)}
		return
	}
	var state cacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	if state.Records == nil {
		state.Records = make(map[string]*cryptobox.Envelope)
	}
	c.state = state
}
