package lobby

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gestix/livechat/internal/metrics"
	"github.com/gestix/livechat/internal/protocol"
)

// AgentConn is the write side of an agent's lobby connection. Implementations
// must be safe for concurrent use and must not block indefinitely (the
// gateway applies a write deadline), so one broken agent socket cannot stall
// queue broadcasts to the others.
type AgentConn interface {
	WriteMessage(data []byte) error
}

// Config holds tunable parameters for the lobby actor.
type Config struct {
	// EntryTTL is how long a queued request may wait before it is swept out
	// of the queue. Zero disables expiry.
	EntryTTL time.Duration

	// SweepInterval is how often the actor checks for expired entries.
	SweepInterval time.Duration

	// DefaultAgentName labels agent connections that supply no name.
	DefaultAgentName string
}

// DefaultConfig returns the lobby defaults used in production.
func DefaultConfig() Config {
	return Config{
		EntryTTL:         15 * time.Minute,
		SweepInterval:    30 * time.Second,
		DefaultAgentName: "agent",
	}
}

type opKind int

const (
	opEnqueue opKind = iota
	opDequeue
	opConnectAgent
	opDisconnectAgent
	opSnapshot
	opSweep
)

// command is one event in the actor's inbox. Reply channels are buffered so
// the loop never blocks on a caller that has already given up.
type command struct {
	op        opKind
	entry     QueueEntry
	sessionID string
	conn      AgentConn
	agentName string
	reply     chan error
	removed   chan bool // dequeue only; written before reply
	snapshot  chan []QueueEntry
}

// Actor is the single routing point for all pending chat requests and all
// connected agents. It owns the queue exclusively: every mutation happens
// inside the receive loop, one event to completion at a time, and every
// mutation is durably saved before it is broadcast.
type Actor struct {
	store  Store
	config Config
	inbox  chan command
	done   chan struct{}

	// onExpire, if set, is invoked from the actor loop for each entry removed
	// by the TTL sweep. Set it before Start.
	onExpire func(QueueEntry)

	// Loop-owned state. Never touched outside the run goroutine.
	queue  []QueueEntry
	agents map[AgentConn]string
}

// NewActor creates a lobby actor with the given durable store.
func NewActor(store Store, config Config) *Actor {
	return &Actor{
		store:  store,
		config: config,
		inbox:  make(chan command, 64),
		done:   make(chan struct{}),
		agents: make(map[AgentConn]string),
	}
}

// SetOnExpire registers a callback invoked for every queue entry removed by
// the TTL sweep. It runs on the actor goroutine, so it must not block.
func (a *Actor) SetOnExpire(fn func(QueueEntry)) {
	a.onExpire = fn
}

// Start loads the persisted queue and begins processing events. The queue
// surviving a restart is the durability contract: whatever was saved last is
// what agents see first.
func (a *Actor) Start(ctx context.Context) error {
	queue, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("lobby: restore queue: %w", err)
	}
	a.queue = queue
	metrics.QueueDepth.Set(float64(len(queue)))

	go a.run()
	log.Printf("[lobby] actor started, restored %d queued request(s)", len(queue))
	return nil
}

// Stop terminates the actor loop. Commands still waiting in the inbox are
// not processed; their callers fail promptly with a shutdown error.
func (a *Actor) Stop() {
	close(a.done)
}

// ConnectAgent registers a new agent connection. The agent immediately
// receives one queueUpdate snapshot reflecting the queue at connect time.
// An empty name is replaced with the configured default label.
func (a *Actor) ConnectAgent(ctx context.Context, name string, conn AgentConn) error {
	if name == "" {
		name = a.config.DefaultAgentName
	}
	return a.send(ctx, command{op: opConnectAgent, conn: conn, agentName: name, reply: make(chan error, 1)})
}

// DisconnectAgent removes an agent registration. Queued requests are not
// reassigned; they simply wait for the next agent.
func (a *Actor) DisconnectAgent(ctx context.Context, conn AgentConn) error {
	return a.send(ctx, command{op: opDisconnectAgent, conn: conn, reply: make(chan error, 1)})
}

// Enqueue appends a request to the queue, persists the full queue, then
// broadcasts the update to every connected agent. If the durable save fails
// the queue is unchanged and nothing is broadcast.
func (a *Actor) Enqueue(ctx context.Context, entry QueueEntry) error {
	return a.send(ctx, command{op: opEnqueue, entry: entry, reply: make(chan error, 1)})
}

// Dequeue removes the first entry whose session id matches, persists, then
// broadcasts. A missing id is a success no-op: two agents accepting the same
// request concurrently is an expected race, and the loser must not error.
// The returned bool reports whether an entry was actually removed, so callers
// can tell a real accept from a lost race.
func (a *Actor) Dequeue(ctx context.Context, sessionID string) (bool, error) {
	cmd := command{
		op:        opDequeue,
		sessionID: sessionID,
		reply:     make(chan error, 1),
		removed:   make(chan bool, 1),
	}
	if err := a.send(ctx, cmd); err != nil {
		return false, err
	}
	// The handler writes removed before it replies, so this never blocks.
	return <-cmd.removed, nil
}

// Snapshot returns a copy of the current queue in FIFO order.
func (a *Actor) Snapshot(ctx context.Context) ([]QueueEntry, error) {
	cmd := command{op: opSnapshot, snapshot: make(chan []QueueEntry, 1)}
	select {
	case a.inbox <- cmd:
	case <-a.done:
		return nil, fmt.Errorf("lobby: actor stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snap := <-cmd.snapshot:
		return snap, nil
	case <-a.done:
		// The loop may have replied just before stopping.
		select {
		case snap := <-cmd.snapshot:
			return snap, nil
		default:
			return nil, fmt.Errorf("lobby: actor stopped")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send delivers a command to the actor and waits for its reply.
func (a *Actor) send(ctx context.Context, cmd command) error {
	select {
	case a.inbox <- cmd:
	case <-a.done:
		return fmt.Errorf("lobby: actor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-a.done:
		// The loop may have replied just before stopping.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return fmt.Errorf("lobby: actor stopped")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's receive loop. Processing one command to completion
// before taking the next is what makes the queue and agent set safe without
// locks: the durable write inside a handler finishes before any later event
// can observe the new state.
func (a *Actor) run() {
	var sweep *time.Ticker
	var sweepC <-chan time.Time
	if a.config.EntryTTL > 0 && a.config.SweepInterval > 0 {
		sweep = time.NewTicker(a.config.SweepInterval)
		sweepC = sweep.C
		defer sweep.Stop()
	}

	for {
		select {
		case <-a.done:
			log.Printf("[lobby] actor stopped (%d request(s) still queued, %d agent(s) dropped)",
				len(a.queue), len(a.agents))
			return
		case <-sweepC:
			a.handleSweep()
		case cmd := <-a.inbox:
			a.handle(cmd)
		}
	}
}

func (a *Actor) handle(cmd command) {
	switch cmd.op {
	case opEnqueue:
		cmd.reply <- a.handleEnqueue(cmd.entry)
	case opDequeue:
		removed, err := a.handleDequeue(cmd.sessionID)
		cmd.removed <- removed
		cmd.reply <- err
	case opConnectAgent:
		a.handleConnectAgent(cmd.conn, cmd.agentName)
		cmd.reply <- nil
	case opDisconnectAgent:
		a.handleDisconnectAgent(cmd.conn)
		cmd.reply <- nil
	case opSnapshot:
		snap := make([]QueueEntry, len(a.queue))
		copy(snap, a.queue)
		cmd.snapshot <- snap
	}
}

func (a *Actor) handleEnqueue(entry QueueEntry) error {
	next := make([]QueueEntry, 0, len(a.queue)+1)
	next = append(next, a.queue...)
	next = append(next, entry)

	// Persist before broadcast: a queue that was never durably saved must
	// never be shown to agents.
	if err := a.persist(next); err != nil {
		return err
	}

	a.queue = next
	metrics.QueueDepth.Set(float64(len(a.queue)))
	log.Printf("[lobby] enqueued session=%s user=%q department=%s (queue size: %d)",
		entry.SessionID, entry.UserName, entry.Department, len(a.queue))

	a.broadcast()
	return nil
}

func (a *Actor) handleDequeue(sessionID string) (bool, error) {
	idx := -1
	for i, e := range a.queue {
		if e.SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Already removed, likely by a concurrent accept. Success, not error.
		log.Printf("[lobby] dequeue session=%s: not in queue (no-op)", sessionID)
		return false, nil
	}

	next := make([]QueueEntry, 0, len(a.queue)-1)
	next = append(next, a.queue[:idx]...)
	next = append(next, a.queue[idx+1:]...)

	if err := a.persist(next); err != nil {
		return false, err
	}

	a.queue = next
	metrics.QueueDepth.Set(float64(len(a.queue)))
	log.Printf("[lobby] dequeued session=%s (queue size: %d)", sessionID, len(a.queue))

	a.broadcast()
	return true, nil
}

func (a *Actor) handleConnectAgent(conn AgentConn, name string) {
	a.agents[conn] = name
	metrics.ConnectedAgents.Set(float64(len(a.agents)))
	log.Printf("[lobby] agent connected name=%q (agents: %d)", name, len(a.agents))

	// The new agent gets exactly one immediate snapshot of the current queue.
	data, err := protocol.NewServerMessage(protocol.TypeQueueUpdate, protocol.QueueUpdateMsg{
		Queue: toWire(a.queue),
	})
	if err != nil {
		log.Printf("[lobby] failed to build queue snapshot for agent %q: %v", name, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		metrics.BroadcastFailures.Inc()
		log.Printf("[lobby] initial snapshot to agent %q failed: %v", name, err)
	}
}

func (a *Actor) handleDisconnectAgent(conn AgentConn) {
	name, ok := a.agents[conn]
	if !ok {
		return
	}
	delete(a.agents, conn)
	metrics.ConnectedAgents.Set(float64(len(a.agents)))
	log.Printf("[lobby] agent disconnected name=%q (agents: %d)", name, len(a.agents))
}

// handleSweep drops entries older than EntryTTL. A sweep is an ordinary queue
// mutation: persist first, broadcast after, and report each removal through
// the onExpire callback.
func (a *Actor) handleSweep() {
	cutoff := time.Now().Add(-a.config.EntryTTL).UnixMilli()

	var remaining, expired []QueueEntry
	for _, e := range a.queue {
		if e.Timestamp < cutoff {
			expired = append(expired, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	if len(expired) == 0 {
		return
	}

	if err := a.persist(remaining); err != nil {
		// Keep the stale entries; the next sweep retries.
		log.Printf("[lobby] sweep persist failed, keeping %d expired entry(ies): %v", len(expired), err)
		return
	}

	a.queue = remaining
	metrics.QueueDepth.Set(float64(len(a.queue)))
	metrics.ExpiredRequests.Add(float64(len(expired)))

	for _, e := range expired {
		log.Printf("[lobby] expired session=%s user=%q after %s in queue",
			e.SessionID, e.UserName, a.config.EntryTTL)
		if a.onExpire != nil {
			a.onExpire(e)
		}
	}

	a.broadcast()
}

// persist durably saves the given queue snapshot with a bounded timeout.
func (a *Actor) persist(queue []QueueEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := a.store.Save(ctx, queue)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	return err
}

// broadcast fans the current queue out to every connected agent. Delivery is
// best effort per socket: a failed write is logged and counted, and never
// prevents delivery to the remaining agents. Dead sockets are reaped by the
// gateway's heartbeat, not here.
func (a *Actor) broadcast() {
	if len(a.agents) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeQueueUpdate, protocol.QueueUpdateMsg{
		Queue: toWire(a.queue),
	})
	if err != nil {
		log.Printf("[lobby] failed to build queueUpdate: %v", err)
		return
	}

	for conn, name := range a.agents {
		if err := conn.WriteMessage(data); err != nil {
			metrics.BroadcastFailures.Inc()
			log.Printf("[lobby] queueUpdate to agent %q failed: %v", name, err)
		}
	}
}
