package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// HTTPLookup resolves snapshots from the incident management system's
// REST API.
type HTTPLookup struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPLookup creates a lookup against the given base URL. token may
// be empty when the incident API is unauthenticated.
func NewHTTPLookup(baseURL, token string, timeout time.Duration) *HTTPLookup {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLookup{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Get fetches one incident snapshot.
func (l *HTTPLookup) Get(ctx context.Context, id string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/incidents/%s", l.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build incident request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("incident lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("incident lookup returned status %d: %s", resp.StatusCode, string(body))
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode incident snapshot: %w", err)
	}
	return &snap, nil
}

// MemoryLookup is an in-process snapshot registry for tests and local
// runs without an incident system.
type MemoryLookup struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewMemoryLookup creates an empty lookup.
func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{snapshots: make(map[string]*Snapshot)}
}

// Put registers a snapshot.
func (l *MemoryLookup) Put(snap *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[snap.ID] = snap
}

// Get retrieves a snapshot by id.
func (l *MemoryLookup) Get(ctx context.Context, id string) (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap, ok := l.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, nil
}
