// Package keypool rotates interchangeable API keys for one credential
// configuration, excluding keys that recently failed.
package keypool

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pool holds the rotation state for one credential set. Concurrent requests
// sharing a credential set may interleave NextKey/MarkFailed calls; the
// mutex protects the maps, but strict rotation fairness across requests is
// not guaranteed and not required.
type Pool struct {
	mu       sync.Mutex
	keys     []string
	failed   map[string]string // key -> failure reason
	cursor   int
	lastUsed map[string]time.Time
}

// KeyStatus is one entry of a Stats snapshot. Keys are always masked.
type KeyStatus struct {
	Key        string    `json:"key"`
	Failed     bool      `json:"failed"`
	FailReason string    `json:"failReason,omitempty"`
	LastUsed   time.Time `json:"lastUsed,omitzero"`
}

// Stats is a read-only observability snapshot of a pool.
type Stats struct {
	Total     int         `json:"total"`
	Available int         `json:"available"`
	Failed    int         `json:"failed"`
	Keys      []KeyStatus `json:"keys"`
}

// New builds a pool from a comma-delimited key list. Blank entries are
// dropped.
func New(keysCSV string) *Pool {
	return &Pool{
		keys:     splitKeys(keysCSV),
		failed:   make(map[string]string),
		lastUsed: make(map[string]time.Time),
	}
}

func splitKeys(csv string) []string {
	var keys []string
	for _, k := range strings.Split(csv, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// NextKey returns the next key not currently marked failed, round-robin.
// If every key is failed, the failed set is cleared and rotation restarts:
// a likely-repeat failure beats total unavailability. Returns "" only when
// the pool has no keys at all.
func (p *Pool) NextKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return ""
	}

	for range p.keys {
		key := p.keys[p.cursor%len(p.keys)]
		p.cursor++
		if _, bad := p.failed[key]; !bad {
			p.lastUsed[key] = time.Now()
			return key
		}
	}

	// Every key is failed: self-heal rather than deadlock.
	log.Warnf("keypool: all %d keys failed, clearing failure marks", len(p.keys))
	p.failed = make(map[string]string)
	p.cursor = 1
	key := p.keys[0]
	p.lastUsed[key] = time.Now()
	return key
}

// MarkFailed flags a key so NextKey skips it. Idempotent; unknown keys are
// ignored.
func (p *Pool) MarkFailed(key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if k == key {
			if _, already := p.failed[key]; !already {
				log.Warnf("keypool: key %s marked failed: %s", Mask(key), reason)
			}
			p.failed[key] = reason
			return
		}
	}
}

// UpdateKeys replaces the key list. Failure marks survive for keys still
// present; rotation restarts from the front.
func (p *Pool) UpdateKeys(keysCSV string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newKeys := splitKeys(keysCSV)
	kept := make(map[string]string)
	for _, k := range newKeys {
		if reason, bad := p.failed[k]; bad {
			kept[k] = reason
		}
	}
	p.keys = newKeys
	p.failed = kept
	p.cursor = 0
}

// Stats returns a masked snapshot for observability endpoints.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.keys)}
	for _, k := range p.keys {
		reason, bad := p.failed[k]
		if bad {
			s.Failed++
		} else {
			s.Available++
		}
		s.Keys = append(s.Keys, KeyStatus{
			Key:        Mask(k),
			Failed:     bad,
			FailReason: reason,
			LastUsed:   p.lastUsed[k],
		})
	}
	return s
}

// Mask obscures a key for logs and stats, keeping only the first and last
// four characters.
func Mask(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	if len(key) > 2 {
		return key[:1] + "..." + key[len(key)-1:]
	}
	return key
}
