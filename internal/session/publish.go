package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/pkg/payload"
	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// Subscribe asks the bridge to subscribe. The local subscription set only
// changes when the bridge acknowledges.
func (c *Client) Subscribe(topic string, qos byte) error {
	if topic == "" || qos > 2 {
		return fmt.Errorf("%w: topic %q qos %d", ErrInvalidTopic, topic, qos)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected {
		c.logger.Warn("Subscribe ignored while not connected", "topic", topic)
		return fmt.Errorf("%w: cannot subscribe to %s", ErrNotConnected, topic)
	}
	return c.subscribeLocked(topic, qos)
}

// Unsubscribe asks the bridge to unsubscribe
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected {
		c.logger.Warn("Unsubscribe ignored while not connected", "topic", topic)
		return fmt.Errorf("%w: cannot unsubscribe from %s", ErrNotConnected, topic)
	}
	delete(c.pending, topic)
	return c.sendLocked(protocol.Unsubscribe(topic))
}

// Publish sends a message through the bridge. While disconnected and
// offline the message is stored with PendingSync set and delivered on the
// next connect; while disconnected but online it fails with ErrNotConnected.
func (c *Client) Publish(ctx context.Context, topic, body string, po PublishOptions) (Delivery, error) {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if po.QoS > 2 {
		return "", fmt.Errorf("%w: qos %d", ErrInvalidOptions, po.QoS)
	}

	c.mu.Lock()
	if c.status == StatusConnected {
		err := c.sendLocked(protocol.Publish(topic, body, po.QoS, po.Retain))
		c.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return DeliverySent, nil
	}
	c.mu.Unlock()

	if c.online.Online() {
		return "", fmt.Errorf("%w: cannot publish to %s", ErrNotConnected, topic)
	}

	m := message.New(topic, body, c.clock.Now().UnixMilli(), po.QoS, po.Retain)
	m.PendingSync = true
	if err := c.store.Store(ctx, m); err != nil {
		return "", fmt.Errorf("failed to queue offline message for %s: %w", topic, err)
	}

	c.logger.Info("Offline, queued message for delivery", "topic", topic, "id", m.ID)
	c.bus.emit(Event{Kind: EventPublished, Message: &m, Topic: topic, Timestamp: m.Timestamp, Queued: true})
	return DeliveryQueued, nil
}

// PublishJSON validates body as JSON before publishing
func (c *Client) PublishJSON(ctx context.Context, topic, body string, po PublishOptions) (Delivery, error) {
	if !payload.Valid(body) {
		return "", ErrInvalidPayload
	}
	return c.Publish(ctx, topic, body, po)
}

// Queued returns the offline messages still eligible for delivery
func (c *Client) Queued(ctx context.Context) ([]message.Message, error) {
	pending, err := c.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := pending[:0:0]
	for _, m := range pending {
		if m.SyncAttempts < c.cfg.MaxSyncAttempts {
			out = append(out, m)
		}
	}
	return out, nil
}

// flush retries parked store writes, then republishes queued offline
// messages while generation gen stays connected
func (c *Client) flush(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.retryMu.Lock()
	parked := c.retry
	c.retry = nil
	c.retryMu.Unlock()

	for _, m := range parked {
		if err := c.store.Store(ctx, m); err != nil {
			c.logger.Warn("Store retry failed", "id", m.ID, "error", err)
			c.park(m)
		}
	}

	queued, err := c.Queued(ctx)
	if err != nil {
		c.logger.Warn("Failed to read offline queue", "error", err)
		return
	}
	if len(queued) == 0 {
		return
	}
	c.logger.Info("Delivering queued offline messages", "count", len(queued))

	for _, m := range queued {
		c.mu.Lock()
		if c.gen != gen || c.status != StatusConnected {
			c.mu.Unlock()
			return
		}
		sendErr := c.sendLocked(protocol.Publish(m.Topic, m.Payload, m.QoS, m.Retain))
		c.mu.Unlock()

		st := message.SyncState{
			SyncAttempts:    m.SyncAttempts,
			LastSyncAttempt: c.clock.Now().UnixMilli(),
		}
		if sendErr != nil {
			st.PendingSync = true
			st.SyncAttempts++
			if st.SyncAttempts >= c.cfg.MaxSyncAttempts {
				c.logger.Warn("Giving up on queued message", "id", m.ID, "topic", m.Topic, "attempts", st.SyncAttempts)
			}
		}
		if err := c.store.UpdateSync(ctx, m.ID, st); err != nil {
			c.logger.Warn("Failed to record delivery state", "id", m.ID, "error", err)
		}
		if sendErr != nil {
			return
		}
		c.bus.emit(Event{Kind: EventPublished, Topic: m.Topic, Timestamp: st.LastSyncAttempt})
	}
}

// schedulerTarget adapts the client for the publishing scheduler, using
// the active session's QoS and retain defaults
type schedulerTarget struct {
	c *Client
}

func (t schedulerTarget) Connected() bool {
	return t.c.Status() == StatusConnected
}

func (t schedulerTarget) Publish(ctx context.Context, topic, body string) error {
	t.c.mu.Lock()
	var po PublishOptions
	if t.c.opts != nil {
		po = PublishOptions{QoS: t.c.opts.QoS, Retain: t.c.opts.Retain}
	}
	t.c.mu.Unlock()

	_, err := t.c.Publish(ctx, topic, body, po)
	return err
}
