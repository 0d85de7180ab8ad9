// Package session owns the logical MQTT connection as seen through the
// bridge: its state machine, subscriptions, reconnects, offline queue and
// the fan-out of received messages to the live buffer and the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"

	"github.com/saaga0h/mqtt-explorer/internal/live"
	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/internal/publisher"
	"github.com/saaga0h/mqtt-explorer/internal/store"
	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// sysBrokerPrefix is stripped from $SYS topics to form diagnostic keys
const sysBrokerPrefix = "$SYS/broker/"

// Deps are the collaborators a Client needs
type Deps struct {
	Dialer       Dialer
	Connectivity Connectivity
	Store        store.Store
	Buffer       *live.Buffer
	Clock        clockwork.Clock
}

// Snapshot is a point-in-time view of the session
type Snapshot struct {
	Status               Status                 `json:"status"`
	Options              *ConnectionOptions     `json:"options,omitempty"`
	Subscriptions        []message.Subscription `json:"subscriptions"`
	PendingSubscriptions []message.Subscription `json:"pendingSubscriptions,omitempty"`
	LastError            string                 `json:"lastError,omitempty"`
	Attempt              uint64                 `json:"attempt"`
	PublishMode          string                 `json:"publishMode"`
}

// Client is the session client. One Client holds at most one logical
// session; Connect replaces it.
type Client struct {
	cfg       Config
	dialer    Dialer
	online    Connectivity
	store     store.Store
	buffer    *live.Buffer
	clock     clockwork.Clock
	logger    *slog.Logger
	bus       *eventBus
	pool      *ants.Pool
	scheduler *publisher.Scheduler

	mu        sync.Mutex
	closed    bool
	conn      Conn
	status    Status
	opts      *ConnectionOptions
	gen       uint64
	subs      map[string]byte // acknowledged by the bridge
	pending   map[string]byte // sent, awaiting acknowledgment
	sys       map[string]string
	lastErr   error
	connected bool // reached connected at least once in this generation
	attempts  int
	timer     clockwork.Timer
	flushing  bool // an offline flush is running
	reflush   bool // connected again while flushing

	retryMu sync.Mutex
	retry   []message.Message // store writes that failed
}

// New creates a disconnected Client
func New(cfg Config, deps Deps, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Buffer == nil {
		deps.Buffer = live.NewBuffer(live.DefaultCapacity)
	}
	if deps.Dialer == nil || deps.Store == nil || deps.Connectivity == nil {
		return nil, errors.New("session client needs a dialer, a store and a connectivity check")
	}

	logger = logger.With("component", "session")
	pool, err := ants.NewPool(cfg.StoreWorkers,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Store worker panicked", "panic", p)
		}),
		ants.WithMaxBlockingTasks(cfg.StoreWorkers*64))
	if err != nil {
		return nil, fmt.Errorf("failed to create store worker pool: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		dialer:  deps.Dialer,
		online:  deps.Connectivity,
		store:   deps.Store,
		buffer:  deps.Buffer,
		clock:   deps.Clock,
		logger:  logger,
		bus:     newEventBus(logger),
		pool:    pool,
		status:  StatusDisconnected,
		subs:    make(map[string]byte),
		pending: make(map[string]byte),
		sys:     make(map[string]string),
	}
	c.scheduler = publisher.NewScheduler(schedulerTarget{c}, deps.Clock, logger)
	return c, nil
}

// Connect starts a new session, tearing down any active one first. It
// returns once the connect frame is sent; the broker acknowledgment arrives
// as a status event.
func (c *Client) Connect(ctx context.Context, opts ConnectionOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opts != nil {
		c.logger.Info("Replacing active session", "broker", c.opts.BrokerURL)
		c.teardownLocked()
	}

	c.gen++
	gen := c.gen
	c.opts = &opts
	c.connected = false
	c.lastErr = nil
	c.attempts = 0
	c.setStatusLocked(StatusConnecting)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		dialed, err := c.dial(ctx)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			if dialed != nil {
				dialed.Close()
			}
			return nil
		}
		if err != nil {
			c.endSessionLocked(err)
			c.mu.Unlock()
			return fmt.Errorf("failed to reach bridge: %w", err)
		}
		if c.conn == nil {
			c.attachLocked(dialed)
		} else {
			dialed.Close()
		}
	} else {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return nil
		}
	}
	defer c.mu.Unlock()

	c.logger.Info("Connecting to broker", "broker", opts.BrokerURL, "base_topic", opts.BaseTopic, "attempt", gen)
	if err := c.sendConnectLocked(); err != nil {
		c.logger.Warn("Connect frame not sent, waiting for transport", "error", err)
	}
	return nil
}

// Disconnect ends the session. It is safe to call at any time.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts != nil {
		c.logger.Info("Disconnecting from broker", "broker", c.opts.BrokerURL)
	}
	c.teardownLocked()
	c.lastErr = nil
	c.setStatusLocked(StatusDisconnected)
}

// Close disconnects, closes the transport and releases workers. Watchers
// are closed.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.pool.Release()
	c.bus.closeAll()
	return nil
}

// teardownLocked ends the active session without touching the transport
func (c *Client) teardownLocked() {
	c.gen++
	c.stopTimerLocked()
	if c.opts != nil && c.conn != nil {
		if err := c.conn.Send(protocol.Disconnect()); err != nil {
			c.logger.Debug("Disconnect frame not sent", "error", err)
		}
	}
	c.scheduler.Stop()
	c.opts = nil
	c.connected = false
	c.attempts = 0
	clear(c.subs)
	clear(c.pending)
	clear(c.sys)
}

// endSessionLocked moves to disconnected after a failure
func (c *Client) endSessionLocked(err error) {
	if err != nil {
		c.lastErr = err
		c.bus.emit(Event{Kind: EventError, Error: err.Error()})
	}
	c.gen++
	c.stopTimerLocked()
	c.scheduler.Stop()
	c.opts = nil
	c.connected = false
	c.attempts = 0
	clear(c.subs)
	clear(c.pending)
	clear(c.sys)
	c.setStatusLocked(StatusDisconnected)
}

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.logger.Info("Session status changed", "from", c.status, "to", s)
	c.status = s
	snap := c.snapshotLocked()
	c.bus.emit(Event{Kind: EventStatus, Snapshot: &snap})
}

func (c *Client) recordErrorLocked(err error) {
	c.lastErr = err
	c.bus.emit(Event{Kind: EventError, Error: err.Error()})
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.dialer.Dial(ctx, c.cfg.BridgeURL)
}

func (c *Client) attachLocked(conn Conn) {
	c.conn = conn
	go c.readLoop(conn)
}

func (c *Client) sendConnectLocked() error {
	o := c.opts
	return c.sendLocked(protocol.Connect(o.BrokerURL, o.ClientID, o.Username, o.Password,
		o.CleanSession(), o.ReconnectPeriodMs, c.gen))
}

// sendLocked writes a frame; a write failure is treated as transport loss
func (c *Client) sendLocked(frame protocol.ControlFrame) error {
	if c.conn == nil {
		return fmt.Errorf("%w: bridge transport is not open", ErrNotConnected)
	}
	if err := c.conn.Send(frame); err != nil {
		c.transportLostLocked(c.conn, err)
		return fmt.Errorf("failed to send %s frame: %w", frame.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.logger.Warn("Ignoring malformed frame from bridge", "error", err)
				continue
			}
			c.mu.Lock()
			c.transportLostLocked(conn, err)
			c.mu.Unlock()
			return
		}
		c.handleFrame(conn, frame)
	}
}

// transportLostLocked drops the transport and, if a session is active,
// schedules a re-dial
func (c *Client) transportLostLocked(conn Conn, err error) {
	if conn != c.conn {
		return
	}
	c.conn = nil
	conn.Close()

	if c.closed || c.opts == nil {
		return
	}

	c.logger.Warn("Bridge transport lost", "error", err)
	c.recordErrorLocked(fmt.Errorf("bridge transport lost: %w", err))
	c.setStatusLocked(StatusConnecting)
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.cfg.Reconnect.Exhausted(c.attempts) {
		c.logger.Error("Giving up on bridge", "attempts", c.attempts-1)
		c.endSessionLocked(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, c.attempts-1))
		return
	}

	delay := c.cfg.Reconnect.Delay(c.cfg.Rand())
	gen := c.gen
	c.logger.Info("Reconnecting to bridge", "attempt", c.attempts, "delay", delay)
	c.stopTimerLocked()
	c.timer = c.clock.AfterFunc(delay, func() { c.redial(gen) })
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// redial re-opens the transport for generation gen and resends connect
func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.opts == nil || c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	conn, err := c.dial(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.opts == nil || c.closed || c.conn != nil {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.recordErrorLocked(err)
		c.scheduleReconnectLocked()
		return
	}

	c.attachLocked(conn)
	c.logger.Info("Bridge transport restored, resending connect", "attempt", gen)
	if err := c.sendConnectLocked(); err != nil {
		c.logger.Warn("Connect frame not sent after re-dial", "error", err)
	}
}

// handleFrame applies one bridge event to the session
func (c *Client) handleFrame(conn Conn, f protocol.EventFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn != c.conn {
		return
	}

	switch f.Type {
	case protocol.TypeInfo:
		c.logger.Debug("Bridge info", "message", f.Message)

	case protocol.TypeError:
		if f.Op == protocol.TypeSubscribe {
			delete(c.pending, f.Topic)
		}
		c.recordErrorLocked(errors.New(f.Message))

	case protocol.TypeMQTTConnected:
		if c.isCurrent(f) {
			c.onConnectedLocked()
		}

	case protocol.TypeMQTTReconnecting, protocol.TypeMQTTOffline:
		if c.isCurrent(f) {
			c.setStatusLocked(StatusConnecting)
		}

	case protocol.TypeMQTTDisconnected:
		if c.isCurrent(f) {
			c.endSessionLocked(nil)
		}

	case protocol.TypeMQTTError:
		// operation failures carry no attempt
		if f.Attempt != 0 && !c.isCurrent(f) {
			return
		}
		if f.Op == protocol.TypeSubscribe {
			delete(c.pending, f.Topic)
		}
		c.recordErrorLocked(errors.New(f.Error))

	case protocol.TypeMQTTMessage:
		c.ingestLocked(f)

	case protocol.TypeMQTTSubscribed:
		qos, ok := c.pending[f.Topic]
		if !ok {
			return
		}
		if f.QoS != nil {
			qos = *f.QoS
		}
		delete(c.pending, f.Topic)
		c.subs[f.Topic] = qos
		c.logger.Info("Subscribed", "topic", f.Topic, "qos", qos)
		c.emitSnapshotLocked()

	case protocol.TypeMQTTUnsubscribed:
		if _, ok := c.subs[f.Topic]; !ok {
			return
		}
		delete(c.subs, f.Topic)
		c.logger.Info("Unsubscribed", "topic", f.Topic)
		c.emitSnapshotLocked()

	case protocol.TypeMQTTPublished:
		c.bus.emit(Event{Kind: EventPublished, Topic: f.Topic, Timestamp: f.Timestamp})

	default:
		c.logger.Debug("Ignoring unknown frame type", "type", f.Type)
	}
}

func (c *Client) isCurrent(f protocol.EventFrame) bool {
	if c.opts == nil || f.Attempt != c.gen {
		c.logger.Debug("Ignoring stale lifecycle event", "type", f.Type, "attempt", f.Attempt, "current", c.gen)
		return false
	}
	return true
}

func (c *Client) onConnectedLocked() {
	c.attempts = 0
	c.setStatusLocked(StatusConnected)

	if !c.connected {
		c.connected = true
		o := c.opts
		c.subscribeLocked(o.BaseTopic, o.QoS)
		if o.EnableSys {
			for _, t := range SysTopics {
				c.subscribeLocked(t, 0)
			}
		}
		c.startPublisherLocked()
	} else {
		c.resubscribeLocked()
	}

	c.startFlushLocked()
}

// startFlushLocked keeps one offline flush in flight. A connect that lands
// while it runs makes it take one more pass over the queue.
func (c *Client) startFlushLocked() {
	if c.flushing {
		c.reflush = true
		return
	}
	c.flushing = true
	go c.runFlush()
}

func (c *Client) runFlush() {
	for {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		c.flush(gen)

		c.mu.Lock()
		again := c.reflush && c.status == StatusConnected
		c.reflush = false
		if !again {
			c.flushing = false
		}
		c.mu.Unlock()
		if !again {
			return
		}
	}
}

// resubscribeLocked resends every confirmed and pending subscription once
func (c *Client) resubscribeLocked() {
	want := make(map[string]byte, len(c.subs)+len(c.pending))
	for t, q := range c.subs {
		want[t] = q
	}
	for t, q := range c.pending {
		want[t] = q
	}

	topics := make([]string, 0, len(want))
	for t := range want {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	c.logger.Info("Restoring subscriptions after reconnect", "count", len(topics))
	for _, t := range topics {
		c.subscribeLocked(t, want[t])
	}
}

func (c *Client) subscribeLocked(topic string, qos byte) error {
	c.pending[topic] = qos
	return c.sendLocked(protocol.Subscribe(topic, qos))
}

func (c *Client) startPublisherLocked() {
	o := c.opts
	if o.PublishMode != publisher.ModeAuto && o.PublishMode != publisher.ModeManual {
		return
	}

	// the base topic is a filter; publish to its non-wildcard root
	topic := publisher.TopicFor(o.BaseTopic)
	var err error
	switch {
	case topic == "":
		err = fmt.Errorf("%w: base topic %q has no publishable root", publisher.ErrInvalidTopic, o.BaseTopic)
	case o.PublishMode == publisher.ModeAuto:
		err = c.scheduler.StartAuto(topic, o.PublishInterval())
	default:
		err = c.scheduler.StartManual(topic, o.ManualPayload, o.PublishInterval())
	}
	if err != nil {
		c.recordErrorLocked(fmt.Errorf("failed to start %s publishing: %w", o.PublishMode, err))
	}
}

// ingestLocked routes a received message: $SYS to the diagnostic map,
// everything else to the live buffer and, asynchronously, the store
func (c *Client) ingestLocked(f protocol.EventFrame) {
	if c.opts == nil {
		return
	}

	var qos byte
	if f.QoS != nil {
		qos = *f.QoS
	}
	m := message.New(f.Topic, f.Payload, c.clock.Now().UnixMilli(), qos, f.Retain)

	if m.IsSys {
		key := sysKey(m.Topic)
		c.sys[key] = m.Payload
		c.bus.emit(Event{Kind: EventSys, SysKey: key, SysValue: m.Payload})
		return
	}

	c.buffer.Push(m)
	c.bus.emit(Event{Kind: EventMessage, Message: &m})
	c.persist(m)
}

func sysKey(topic string) string {
	if strings.HasPrefix(topic, sysBrokerPrefix) {
		return strings.TrimPrefix(topic, sysBrokerPrefix)
	}
	return strings.TrimPrefix(topic, message.SysPrefix)
}

// persist writes m on the worker pool; failures are parked for the next flush
func (c *Client) persist(m message.Message) {
	err := c.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.Store(ctx, m); err != nil {
			c.logger.Warn("Failed to store message, will retry", "topic", m.Topic, "error", err)
			c.park(m)
			c.bus.emit(Event{Kind: EventError, Error: fmt.Sprintf("failed to store message on %s: %v", m.Topic, err)})
		}
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			c.logger.Debug("Store pool closed, dropping message", "topic", m.Topic)
			return
		}
		c.logger.Warn("Store pool overloaded, parking message", "topic", m.Topic, "error", err)
		c.park(m)
	}
}

func (c *Client) park(m message.Message) {
	c.retryMu.Lock()
	c.retry = append(c.retry, m)
	c.retryMu.Unlock()
}

func (c *Client) emitSnapshotLocked() {
	snap := c.snapshotLocked()
	c.bus.emit(Event{Kind: EventStatus, Snapshot: &snap})
}

func (c *Client) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:               c.status,
		Subscriptions:        sortedSubs(c.subs),
		PendingSubscriptions: sortedSubs(c.pending),
		Attempt:              c.gen,
		PublishMode:          c.scheduler.Mode(),
	}
	if c.opts != nil {
		snap.Options = c.opts.redacted()
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func sortedSubs(m map[string]byte) []message.Subscription {
	out := make([]message.Subscription, 0, len(m))
	for t, q := range m {
		out = append(out, message.Subscription{Topic: t, QoS: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Snapshot returns the current session state
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Status returns the connection status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscriptions returns the acknowledged subscriptions
func (c *Client) Subscriptions() []message.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedSubs(c.subs)
}

// Sys returns a copy of the latest $SYS values keyed by topic suffix
func (c *Client) Sys() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.sys))
	for k, v := range c.sys {
		out[k] = v
	}
	return out
}

// Watch registers a watcher with the given channel buffer
func (c *Client) Watch(buffer int) *Watcher {
	return c.bus.watch(buffer)
}

// Buffer returns the live message buffer
func (c *Client) Buffer() *live.Buffer {
	return c.buffer
}

// Scheduler returns the publishing scheduler
func (c *Client) Scheduler() *publisher.Scheduler {
	return c.scheduler
}

// Stats reports counters for the status endpoint
func (c *Client) Stats() map[string]any {
	snap := c.Snapshot()

	c.retryMu.Lock()
	parked := len(c.retry)
	c.retryMu.Unlock()

	return map[string]any{
		"status":          string(snap.Status),
		"subscriptions":   len(snap.Subscriptions),
		"live_messages":   c.buffer.Len(),
		"watchers":        c.bus.count(),
		"parked_writes":   parked,
		"store_workers":   c.pool.Running(),
		"publish_mode":    snap.PublishMode,
		"publish_counter": c.scheduler.Stats()["published"],
	}
}
