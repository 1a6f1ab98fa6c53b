// Package chat implements per-conversation session actors. Each session owns
// the live participant set for one conversation and relays messages between
// participants, appending every message to a durable log before fan-out. The
// log is the single source of truth: it is replayed in full to every
// participant on connect, including after a process restart.
package chat

import "github.com/gestix/livechat/internal/protocol"

// Message is one chat line as stored in the durable log. Text and user names
// are opaque untrusted bytes; any escaping happens at the rendering boundary,
// never here.
type Message struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // send time, unix milliseconds
}

// toWire converts a stored message to its wire representation.
func toWire(m Message) protocol.Message {
	return protocol.Message{
		Type:      protocol.TypeText,
		User:      m.User,
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}

// historyToWire converts a log slice to wire messages in the same order.
func historyToWire(history []Message) []protocol.Message {
	wire := make([]protocol.Message, len(history))
	for i, m := range history {
		wire[i] = toWire(m)
	}
	return wire
}
