// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// Reason codes carried in acknowledgment packets.
const (
	ReasonSuccess             byte = 0x00
	ReasonNormalDisconnection byte = 0x00
	ReasonGrantedQoS0         byte = 0x00
	ReasonGrantedQoS1         byte = 0x01
	ReasonGrantedQoS2         byte = 0x02
	ReasonDisconnectWithWill  byte = 0x04
	ReasonNoMatchingSubs      byte = 0x10
	ReasonNoSubscription      byte = 0x11
	ReasonUnspecifiedError    byte = 0x80
	ReasonProtocolError       byte = 0x82
	ReasonNotAuthorized       byte = 0x87
	ReasonServerBusy          byte = 0x89
	ReasonSessionTakenOver    byte = 0x8E
	ReasonTopicFilterInvalid  byte = 0x8F
	ReasonTopicNameInvalid    byte = 0x90
	ReasonPacketIDInUse       byte = 0x91
	ReasonPacketIDNotFound    byte = 0x92
	ReasonPacketTooLarge      byte = 0x95
	ReasonQuotaExceeded       byte = 0x97
)

// ExpiryNever is the session expiry interval value that suppresses
// expiry entirely.
const ExpiryNever uint32 = 0xFFFFFFFF
