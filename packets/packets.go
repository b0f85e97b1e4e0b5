// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets defines the decoded control packets the broker engine
// operates on. Wire framing and protocol version negotiation happen in
// the transport layer; by the time a packet reaches the engine it is
// one of these structs.
package packets

import "fmt"

// Control packet types.
const (
	ConnectType byte = iota + 1
	ConnackType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
)

var typeNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnackType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
}

// TypeName returns the packet name for a type constant.
func TypeName(t byte) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}

// ControlPacket is implemented by every decoded packet.
type ControlPacket interface {
	Type() byte
	String() string
}

// Will carries the will message registered at connect time.
type Will struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DelayInterval uint32
}

// Connect opens or resumes a session.
type Connect struct {
	ClientID       string
	CleanStart     bool
	KeepAlive      uint16 // seconds, 0 disables
	ExpiryInterval uint32 // session expiry in seconds, ExpiryNever suppresses expiry
	Username       string
	Password       []byte
	Will           *Will
}

func (p *Connect) Type() byte { return ConnectType }
func (p *Connect) String() string {
	return fmt.Sprintf("CONNECT client=%q clean=%t keepalive=%d", p.ClientID, p.CleanStart, p.KeepAlive)
}

// Connack acknowledges a CONNECT.
type Connack struct {
	SessionPresent   bool
	ReasonCode       byte
	AssignedClientID string // set when the client connected with an empty id
}

func (p *Connack) Type() byte { return ConnackType }
func (p *Connack) String() string {
	return fmt.Sprintf("CONNACK present=%t reason=0x%02X", p.SessionPresent, p.ReasonCode)
}

// Publish carries an application message.
type Publish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16 // 0 for QoS 0
}

func (p *Publish) Type() byte { return PublishType }
func (p *Publish) String() string {
	return fmt.Sprintf("PUBLISH topic=%q qos=%d retain=%t dup=%t pid=%d", p.Topic, p.QoS, p.Retain, p.Dup, p.PacketID)
}

// PubAck acknowledges a QoS 1 publish.
type PubAck struct {
	PacketID   uint16
	ReasonCode byte
}

func (p *PubAck) Type() byte     { return PubAckType }
func (p *PubAck) String() string { return fmt.Sprintf("PUBACK pid=%d", p.PacketID) }

// PubRec is the first acknowledgment of a QoS 2 publish.
type PubRec struct {
	PacketID   uint16
	ReasonCode byte
}

func (p *PubRec) Type() byte     { return PubRecType }
func (p *PubRec) String() string { return fmt.Sprintf("PUBREC pid=%d", p.PacketID) }

// PubRel releases a QoS 2 exchange.
type PubRel struct {
	PacketID   uint16
	ReasonCode byte
}

func (p *PubRel) Type() byte     { return PubRelType }
func (p *PubRel) String() string { return fmt.Sprintf("PUBREL pid=%d", p.PacketID) }

// PubComp completes a QoS 2 exchange.
type PubComp struct {
	PacketID   uint16
	ReasonCode byte
}

func (p *PubComp) Type() byte     { return PubCompType }
func (p *PubComp) String() string { return fmt.Sprintf("PUBCOMP pid=%d", p.PacketID) }

// SubscribeOptions are the per-filter subscription options.
type SubscribeOptions struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte // 0 send, 1 send if new, 2 don't send
}

// Subscription pairs a topic filter with its options.
type Subscription struct {
	Filter  string
	Options SubscribeOptions
}

// Subscribe requests one or more subscriptions.
type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *Subscribe) Type() byte { return SubscribeType }
func (p *Subscribe) String() string {
	return fmt.Sprintf("SUBSCRIBE pid=%d filters=%d", p.PacketID, len(p.Subscriptions))
}

// SubAck acknowledges a SUBSCRIBE with one reason code per filter.
type SubAck struct {
	PacketID    uint16
	ReasonCodes []byte
}

func (p *SubAck) Type() byte     { return SubAckType }
func (p *SubAck) String() string { return fmt.Sprintf("SUBACK pid=%d", p.PacketID) }

// Unsubscribe removes one or more subscriptions.
type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

func (p *Unsubscribe) Type() byte { return UnsubscribeType }
func (p *Unsubscribe) String() string {
	return fmt.Sprintf("UNSUBSCRIBE pid=%d filters=%d", p.PacketID, len(p.Filters))
}

// UnsubAck acknowledges an UNSUBSCRIBE with one reason code per filter.
type UnsubAck struct {
	PacketID    uint16
	ReasonCodes []byte
}

func (p *UnsubAck) Type() byte     { return UnsubAckType }
func (p *UnsubAck) String() string { return fmt.Sprintf("UNSUBACK pid=%d", p.PacketID) }

// PingReq is a keep-alive probe.
type PingReq struct{}

func (p *PingReq) Type() byte     { return PingReqType }
func (p *PingReq) String() string { return "PINGREQ" }

// PingResp answers a PINGREQ.
type PingResp struct{}

func (p *PingResp) Type() byte     { return PingRespType }
func (p *PingResp) String() string { return "PINGRESP" }

// Disconnect ends a session's connection. A non-zero reason code marks
// the disconnect as abnormal; DisconnectWithWill requests normal close
// with will publication.
type Disconnect struct {
	ReasonCode     byte
	ExpiryInterval uint32 // overrides the session expiry when HasExpiry is set
	HasExpiry      bool
}

func (p *Disconnect) Type() byte     { return DisconnectType }
func (p *Disconnect) String() string { return fmt.Sprintf("DISCONNECT reason=0x%02X", p.ReasonCode) }
