// Package message holds the message record shared by the session client,
// the live buffer and the message store.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// SysPrefix marks broker diagnostic topics
const SysPrefix = "$SYS/"

// Message is a received or published unit. Values are never mutated after
// creation; sync bookkeeping changes produce a copy via WithSync.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"` // unix millis, local capture time
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain"`
	IsSys     bool   `json:"isSys"`

	// Offline publish bookkeeping
	PendingSync     bool  `json:"pendingSync,omitempty"`
	SyncAttempts    int   `json:"syncAttempts,omitempty"`
	LastSyncAttempt int64 `json:"lastSyncAttempt,omitempty"`
}

// SyncState is the mutable part of a Message
type SyncState struct {
	PendingSync     bool
	SyncAttempts    int
	LastSyncAttempt int64
}

// New creates a message with a fresh ID, classifying $SYS topics once
func New(topic, payload string, timestamp int64, qos byte, retain bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: timestamp,
		QoS:       qos,
		Retain:    retain,
		IsSys:     IsSysTopic(topic),
	}
}

// IsSysTopic reports whether topic is in the broker $SYS namespace
func IsSysTopic(topic string) bool {
	return strings.HasPrefix(topic, SysPrefix)
}

// Sync returns the message's sync bookkeeping
func (m Message) Sync() SyncState {
	return SyncState{
		PendingSync:     m.PendingSync,
		SyncAttempts:    m.SyncAttempts,
		LastSyncAttempt: m.LastSyncAttempt,
	}
}

// WithSync returns a copy of m carrying the given sync state
func (m Message) WithSync(s SyncState) Message {
	m.PendingSync = s.PendingSync
	m.SyncAttempts = s.SyncAttempts
	m.LastSyncAttempt = s.LastSyncAttempt
	return m
}

// Subscription is a topic filter and its QoS, unique by topic
type Subscription struct {
	Topic string `json:"topic" yaml:"topic"`
	QoS   byte   `json:"qos" yaml:"qos"`
}
