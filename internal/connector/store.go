// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"slices"
	"sync"
	"time"
)

// Store holds connection records. It is safe for concurrent use; every
// mutation touches a single record.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Connection
	order   []string
	now     func() time.Time

	// onRemove runs before a record is deleted, outside the lock.
	onRemove func(id string)
}

// NewStore creates an empty store. A nil clock uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		records: make(map[string]*Connection),
		now:     now,
	}
}

// Create inserts a new record with status disconnected and no last
// activity, and returns its generated id.
func (s *Store) Create(spec ConnectionSpec) string {
	conn := &Connection{
		ID:           newConnectionID(),
		Name:         spec.Name,
		Kind:         spec.Kind,
		URL:          spec.URL,
		Credential:   spec.Credential,
		Status:       StatusDisconnected,
		Capabilities: slices.Clone(spec.Capabilities),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[conn.ID] = conn
	s.order = append(s.order, conn.ID)
	return conn.ID
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[id]
	if !ok {
		return Connection{}, false
	}
	return c.clone(), true
}

// List returns copies of all records in insertion order.
func (s *Store) List() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	return out
}

// UpdateStatus sets a record's status. Unknown ids are ignored.
func (s *Store) UpdateStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.records[id]; ok {
		c.Status = status
	}
}

// Touch sets a record's last activity to now. Unknown ids are ignored.
func (s *Store) Touch(id string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.records[id]; ok {
		c.LastActivity = &now
	}
}

// Remove runs the teardown hook and deletes the record. It reports whether
// the record existed.
func (s *Store) Remove(id string) bool {
	s.mu.RLock()
	_, ok := s.records[id]
	hook := s.onRemove
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if hook != nil {
		hook(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
