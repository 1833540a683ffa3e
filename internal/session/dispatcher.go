package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"voicepoints/internal/fault"
)

// MessageKind is the type of a lifecycle message.
type MessageKind int

const (
	Joined MessageKind = iota + 1
	Left
	Reconnected
	Tick
	barrier
)

func (k MessageKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Reconnected:
		return "reconnected"
	case Tick:
		return "tick"
	}
	return "barrier"
}

// Message is one lifecycle event for a partition.
type Message struct {
	Kind      MessageKind
	UserID    string
	ChannelID string
	done      chan struct{}
}

const partitionBuffer = 128

// Dispatcher feeds presence events and heartbeat ticks to the Manager. Users
// are hashed onto a fixed set of partitions, each drained by one goroutine,
// so one user's events are handled in order while different users proceed in
// parallel.
type Dispatcher struct {
	m         *Manager
	parts     []chan Message
	heartbeat time.Duration
	clock     quartz.Clock
	log       zerolog.Logger
	guard     *fault.Guard

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	hbCancel context.CancelFunc
	hb       quartz.Waiter
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l.With().Str("component", "dispatcher").Logger()
	}
}

// NewDispatcher creates a dispatcher with the given number of partitions and
// heartbeat interval. It uses the Manager's clock and fault guard.
func NewDispatcher(m *Manager, partitions int, heartbeat time.Duration, opts ...DispatcherOption) *Dispatcher {
	if partitions < 1 {
		partitions = 1
	}
	d := &Dispatcher{
		m:         m,
		parts:     make([]chan Message, partitions),
		heartbeat: heartbeat,
		clock:     m.Clock(),
		log:       zerolog.Nop(),
		guard:     m.FaultGuard(),
	}
	for i := range d.parts {
		d.parts[i] = make(chan Message, partitionBuffer)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the partition loops and the heartbeat ticker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := range d.parts {
		d.wg.Add(1)
		go d.run(i)
	}

	if d.heartbeat > 0 {
		var hbCtx context.Context
		hbCtx, d.hbCancel = context.WithCancel(d.ctx)
		d.hb = d.clock.TickerFunc(hbCtx, d.heartbeat, func() error {
			d.broadcast(hbCtx, Tick)
			return nil
		}, "dispatcher", "heartbeat")
	}
}

// StopHeartbeat stops the heartbeat ticker. Events keep flowing.
func (d *Dispatcher) StopHeartbeat() {
	d.mu.Lock()
	cancel, hb := d.hbCancel, d.hb
	d.hbCancel, d.hb = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := hb.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn().Err(err).Msg("heartbeat ticker stopped with error")
	}
}

// Stop stops the heartbeat and all partitions. Queued events are dropped.
func (d *Dispatcher) Stop() {
	d.StopHeartbeat()
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// OnJoin queues a join of userID into channelID.
func (d *Dispatcher) OnJoin(userID, channelID string) {
	d.send(Message{Kind: Joined, UserID: userID, ChannelID: channelID})
}

// OnLeave queues a disconnect of userID.
func (d *Dispatcher) OnLeave(userID string) {
	d.send(Message{Kind: Left, UserID: userID})
}

// OnReconnectWithinGrace queues a rejoin of a user inside the grace window.
func (d *Dispatcher) OnReconnectWithinGrace(userID, channelID string) {
	d.send(Message{Kind: Reconnected, UserID: userID, ChannelID: channelID})
}

// Sync blocks until every message queued before the call has been handled.
func (d *Dispatcher) Sync(ctx context.Context) error {
	d.mu.Lock()
	dctx := d.ctx
	d.mu.Unlock()
	if dctx == nil {
		return errors.New("dispatcher not started")
	}
	dones := make([]chan struct{}, len(d.parts))
	for i, ch := range d.parts {
		dones[i] = make(chan struct{})
		select {
		case ch <- Message{Kind: barrier, done: dones[i]}:
		case <-ctx.Done():
			return ctx.Err()
		case <-dctx.Done():
			return dctx.Err()
		}
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		case <-dctx.Done():
			return dctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) partition(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(d.parts)))
}

func (d *Dispatcher) send(msg Message) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		d.log.Warn().Str("kind", msg.Kind.String()).Str("user", msg.UserID).Msg("dispatcher not started, dropping event")
		return
	}
	select {
	case d.parts[d.partition(msg.UserID)] <- msg:
	case <-ctx.Done():
		d.log.Warn().Str("kind", msg.Kind.String()).Str("user", msg.UserID).Msg("dispatcher stopped, dropping event")
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, kind MessageKind) {
	for _, ch := range d.parts {
		select {
		case ch <- Message{Kind: kind}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) run(idx int) {
	defer d.wg.Done()
	ch := d.parts[idx]
	for {
		select {
		case msg := <-ch:
			d.handle(idx, msg)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(idx int, msg Message) {
	defer d.guard.Recover("dispatcher")

	ctx := d.ctx
	var err error
	switch msg.Kind {
	case Joined:
		_, err = d.m.HandleJoin(ctx, msg.UserID, msg.ChannelID)
	case Reconnected:
		_, err = d.m.HandleReconnect(ctx, msg.UserID, msg.ChannelID)
	case Left:
		err = d.m.HandleDisconnect(ctx, msg.UserID)
	case Tick:
		err = d.m.heartbeatWhere(ctx, func(userID string) bool {
			return d.partition(userID) == idx
		})
	case barrier:
		close(msg.done)
		return
	}

	if err == nil {
		return
	}
	var conflict *ConflictError
	switch {
	case IsNoSession(err):
		d.log.Debug().Str("kind", msg.Kind.String()).Str("user", msg.UserID).Msg("no session to act on")
	case errors.As(err, &conflict):
		d.log.Warn().Err(err).Str("user", msg.UserID).Msg("session start rejected")
	default:
		d.log.Error().Err(err).Str("kind", msg.Kind.String()).Str("user", msg.UserID).Int("partition", idx).Msg("lifecycle event failed")
	}
}
