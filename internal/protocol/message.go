// Package protocol defines the wire-level Message record and the codecs
// that turn it into bytes. Two interchangeable codecs are provided (JSON and
// a compact binary form); a broker/client deployment picks one for its
// lifetime and both endpoints must agree.
package protocol

import "fmt"

// Type identifies the kind of a Message.
type Type string

const (
	TypeRegister   Type = "register"
	TypeUnregister Type = "unregister"
	TypePublish    Type = "publish"
	TypeAck        Type = "ack"
	TypeHeartbeat  Type = "heartbeat"
)

// Role is the payload carried by a register record.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Message is the in-memory form of a single wire record.
//
// MessageID is 0 on client-originated records; the broker assigns it on
// publish. Payload carries text publishes and, for register, the role
// literal. PayloadRaw carries binary publishes and is mutually exclusive
// with Payload at the API level — a record is either a text publish or a
// raw-bytes publish, never both.
type Message struct {
	MessageID   uint32 `validate:"-"`
	Type        Type   `validate:"required,oneof=register unregister publish ack heartbeat"`
	Topic       string
	Payload     string
	PayloadRaw  []byte
	Reliability bool
}

// Validate checks the invariants spec.md §3 places on each Message type: a
// register carries a non-empty topic and a recognized role, an unregister
// and a publish carry a topic, an ack carries a nonzero message id. It does
// not validate MessageID continuity (that is the broker's job).
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// IsRaw reports whether the publish carries a binary payload rather than
// text.
func (m Message) IsRaw() bool {
	return m.PayloadRaw != nil
}
