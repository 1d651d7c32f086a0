package domain

import "encoding/json"

// InboundPacket is a JSON packet received from the push backbone.
// MessageType is empty for upstream application packets.
type InboundPacket struct {
	From        string          `json:"from"`
	MessageID   string          `json:"message_id"`
	TimeToLive  int             `json:"time_to_live"`
	MessageType string          `json:"message_type,omitempty"` // ack, nack, receipt, control
	Category    string          `json:"category,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"` // A JSON object unless the packet is malformed

	// Set on nack and control packets
	ControlType      string `json:"control_type,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`

	// InvalidTimeToLive is set when time_to_live was present but unusable
	InvalidTimeToLive bool `json:"-"`
}

// IsUpstream reports whether the packet carries a client request
func (p *InboundPacket) IsUpstream() bool {
	return p.MessageType == ""
}

// EncryptedEnvelope is the data payload of an encrypted packet.
// Email identifies the sender on upstream envelopes and is omitted downstream.
type EncryptedEnvelope struct {
	Email      string `json:"email,omitempty"`
	EncKey     string `json:"enc_key"`     // RSA-OAEP wrapped AES key, base64
	EncMessage string `json:"enc_message"` // base64(IV || ciphertext || tag)
	Signature  string `json:"signature,omitempty"`
}

// Signed reports whether the envelope declares itself authenticated
func (e *EncryptedEnvelope) Signed() bool {
	return e.Signature != ""
}

// AndroidConfig carries the delivery options of a downstream packet
type AndroidConfig struct {
	Priority string `json:"priority"`
}

// OutboundPacket is a downstream packet addressed to one client instance
type OutboundPacket struct {
	To        string             `json:"to"`
	MessageID string             `json:"message_id"`
	Data      *EncryptedEnvelope `json:"data"`
	Android   *AndroidConfig     `json:"android,omitempty"`
}

// AckPacket acknowledges an upstream packet
type AckPacket struct {
	MessageType string `json:"message_type"`
	From        string `json:"from"`
	MessageID   string `json:"message_id"`
}
