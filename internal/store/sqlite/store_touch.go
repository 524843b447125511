package sqlite

import (
	"context"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// nodeContact tracks a node's most recent authenticated request and the
// last_seen value persisted for it.
type nodeContact struct {
	seen    time.Time
	written time.Time
}

// TouchNode records contact from a node. The latest contact is always kept
// in memory; the last_seen column is written at most once per
// touchMinInterval per node.
func (s *Store) TouchNode(ctx context.Context, nodeID int64) error {
	now := time.Now().UTC()
	prev, write := s.recordContact(nodeID, now)
	if !write {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET last_seen = ? WHERE id = ?`, now, nodeID)
	if err != nil {
		s.revertContactWrite(nodeID, now, prev)
	}
	return err
}

// recordContact notes contact at now and reports whether the column is due
// a write. prev is the previously written time for rollback.
func (s *Store) recordContact(nodeID int64, now time.Time) (prev time.Time, write bool) {
	if nodeID <= 0 {
		return time.Time{}, false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleContactsLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	c := s.contacts[nodeID]
	c.seen = now
	prev = c.written
	if !c.written.IsZero() && now.Sub(c.written) < s.touchMinInterval {
		s.contacts[nodeID] = c
		return prev, false
	}
	c.written = now
	s.contacts[nodeID] = c
	return prev, true
}

func (s *Store) revertContactWrite(nodeID int64, reservedAt, prev time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if c, ok := s.contacts[nodeID]; ok && c.written.Equal(reservedAt) {
		c.written = prev
		s.contacts[nodeID] = c
	}
}

// cleanupStaleContactsLocked drops nodes quiet for several intervals. Their
// persisted last_seen lags the real contact by less than one interval.
func (s *Store) cleanupStaleContactsLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for nodeID, c := range s.contacts {
		if c.seen.Before(cutoff) {
			delete(s.contacts, nodeID)
		}
	}
}

// withLatestContact replaces n.LastSeen with a newer unpersisted contact.
func (s *Store) withLatestContact(n domain.Node) domain.Node {
	s.touchMu.Lock()
	c, ok := s.contacts[n.ID]
	s.touchMu.Unlock()
	if ok && (n.LastSeen == nil || c.seen.After(*n.LastSeen)) {
		seen := c.seen
		n.LastSeen = &seen
	}
	return n
}
