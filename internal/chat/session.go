package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gestix/livechat/internal/metrics"
	"github.com/gestix/livechat/internal/protocol"
)

// Participant is the write side of one connected session socket. Like the
// lobby's agent connections, implementations apply their own write deadline
// so one stalled socket cannot block fan-out to the rest.
type Participant interface {
	WriteMessage(data []byte) error
}

type sessionOp int

const (
	opJoin sessionOp = iota
	opSend
	opLeave
	opCount
)

type sessionCmd struct {
	op    sessionOp
	p     Participant
	msg   Message
	reply chan error
	count chan int
}

// Session is the actor owning one conversation: its live participant set and
// its durable message log. All state changes run inside the receive loop, so
// the participant set needs no locking and the persist-before-fanout ordering
// holds for every message.
//
// The intended shape is two participants (visitor and agent), but that is a
// soft invariant: extra joins are accepted deliberately so a supervisor or a
// second agent can sit in on a conversation.
type Session struct {
	id    string
	store LogStore
	inbox chan sessionCmd
	done  chan struct{}

	// onEmpty, if set, is invoked from the actor loop whenever the last
	// participant leaves. Set it before Start.
	onEmpty func(sessionID string)

	// Loop-owned state.
	participants map[Participant]struct{}
}

// NewSession creates a session actor for the given conversation id. The log
// is not loaded up front: history is read from the store on every join, so a
// lazily recreated actor replays exactly what was durably written.
func NewSession(id string, store LogStore) *Session {
	return &Session{
		id:           id,
		store:        store,
		inbox:        make(chan sessionCmd, 64),
		done:         make(chan struct{}),
		participants: make(map[Participant]struct{}),
	}
}

// ID returns the conversation id this actor owns.
func (s *Session) ID() string {
	return s.id
}

// SetOnEmpty registers a callback invoked when the participant count drops to
// zero. It runs on the actor goroutine, so it must not block.
func (s *Session) SetOnEmpty(fn func(sessionID string)) {
	s.onEmpty = fn
}

// Start begins processing events.
func (s *Session) Start() {
	go s.run()
}

// Stop terminates the actor loop.
func (s *Session) Stop() {
	close(s.done)
}

// Join admits a new participant. The full persisted log is replayed to that
// socket first, as a single history message, and only then is the socket
// added to the live set — so a participant can never see a live message that
// precedes its replay point.
func (s *Session) Join(ctx context.Context, p Participant) error {
	return s.send(ctx, sessionCmd{op: opJoin, p: p, reply: make(chan error, 1)})
}

// Send appends the message to the durable log and then fans it out to every
// connected participant, including the sender. If the durable write fails the
// message is not delivered to anyone, keeping replay-on-reconnect consistent
// with what was shown live.
func (s *Session) Send(ctx context.Context, msg Message) error {
	return s.send(ctx, sessionCmd{op: opSend, msg: msg, reply: make(chan error, 1)})
}

// Leave removes a participant from the live set. The log is untouched and
// remaining participants are not notified; there is no presence protocol.
func (s *Session) Leave(ctx context.Context, p Participant) error {
	return s.send(ctx, sessionCmd{op: opLeave, p: p, reply: make(chan error, 1)})
}

// ParticipantCount reports the current number of connected participants.
func (s *Session) ParticipantCount(ctx context.Context) (int, error) {
	cmd := sessionCmd{op: opCount, count: make(chan int, 1)}
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return 0, fmt.Errorf("chat: session %s stopped", s.id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case n := <-cmd.count:
		return n, nil
	case <-s.done:
		// The loop may have replied just before stopping.
		select {
		case n := <-cmd.count:
			return n, nil
		default:
			return 0, fmt.Errorf("chat: session %s stopped", s.id)
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, cmd sessionCmd) error {
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return fmt.Errorf("chat: session %s stopped", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		// The loop may have replied just before stopping.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return fmt.Errorf("chat: session %s stopped", s.id)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			if len(s.participants) > 0 {
				metrics.ActiveSessions.Dec()
			}
			return
		case cmd := <-s.inbox:
			switch cmd.op {
			case opJoin:
				cmd.reply <- s.handleJoin(cmd.p)
			case opSend:
				cmd.reply <- s.handleSend(cmd.msg)
			case opLeave:
				s.handleLeave(cmd.p)
				cmd.reply <- nil
			case opCount:
				cmd.count <- len(s.participants)
			}
		}
	}
}

func (s *Session) handleJoin(p Participant) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	history, err := s.store.History(ctx, s.id)
	if err != nil {
		return fmt.Errorf("chat: session %s: %w", s.id, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeHistory, protocol.HistoryMsg{
		Messages: historyToWire(history),
	})
	if err != nil {
		return fmt.Errorf("chat: session %s: build history: %w", s.id, err)
	}
	if err := p.WriteMessage(data); err != nil {
		return fmt.Errorf("chat: session %s: replay history: %w", s.id, err)
	}

	if len(s.participants) == 0 {
		metrics.ActiveSessions.Inc()
	}
	s.participants[p] = struct{}{}
	log.Printf("[session %s] participant joined, replayed %d message(s) (participants: %d)",
		s.id, len(history), len(s.participants))
	return nil
}

func (s *Session) handleSend(msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	// Persist before fan-out. A message that was never durably recorded must
	// never be delivered.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := s.store.Append(ctx, s.id, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("chat: session %s: %w", s.id, err)
	}

	data, wireErr := protocol.NewServerMessage(protocol.TypeText, toWire(msg))
	if wireErr != nil {
		return fmt.Errorf("chat: session %s: build text: %w", s.id, wireErr)
	}

	// Echo to every participant including the sender; echo keeps client
	// state simple. Per-socket failures never abort delivery to the rest.
	for p := range s.participants {
		if err := p.WriteMessage(data); err != nil {
			metrics.BroadcastFailures.Inc()
			log.Printf("[session %s] fan-out write failed: %v", s.id, err)
		}
	}

	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}

func (s *Session) handleLeave(p Participant) {
	if _, ok := s.participants[p]; !ok {
		return
	}
	delete(s.participants, p)
	log.Printf("[session %s] participant left (participants: %d)", s.id, len(s.participants))

	if len(s.participants) == 0 {
		metrics.ActiveSessions.Dec()
		if s.onEmpty != nil {
			s.onEmpty(s.id)
		}
	}
}
