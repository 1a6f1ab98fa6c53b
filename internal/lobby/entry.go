// Package lobby implements the single routing point for pending chat
// requests: a FIFO queue of unassigned requests plus the set of connected
// agent sockets. All queue state is owned by one Actor goroutine and is
// persisted before any broadcast, so the queue survives process restarts.
package lobby

import "github.com/gestix/livechat/internal/protocol"

// QueueEntry is one pending chat request awaiting an agent. Entries are
// created when a visitor submits a chat request and removed when an agent
// accepts; they are never mutated in place.
type QueueEntry struct {
	SessionID  string `json:"sessionId"`
	UserName   string `json:"userName"`
	Department string `json:"department"`
	Timestamp  int64  `json:"timestamp"` // creation time, unix milliseconds
}

// toWire converts a queue snapshot to its wire representation.
func toWire(queue []QueueEntry) []protocol.QueueEntry {
	wire := make([]protocol.QueueEntry, len(queue))
	for i, e := range queue {
		wire[i] = protocol.QueueEntry{
			SessionID:  e.SessionID,
			UserName:   e.UserName,
			Department: e.Department,
			Timestamp:  e.Timestamp,
		}
	}
	return wire
}
