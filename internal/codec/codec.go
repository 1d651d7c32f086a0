// Package codec converts between the FCM wire JSON and the relay's domain types.
// Every function is pure; failures are returned as *errors.AppError.
package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/constants"
	apperrors "e2ee-relay/pkg/errors"
)

// parseTTL reads time_to_live as a JSON number (integral or not) or a numeric
// string. ok is false when the value is present but unusable.
func parseTTL(raw json.RawMessage) (ttl int, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, true
		}
		raw = []byte(s)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

type inboundWire struct {
	From             string          `json:"from"`
	MessageID        string          `json:"message_id"`
	TimeToLive       json.RawMessage `json:"time_to_live"`
	MessageType      *string         `json:"message_type"`
	Category         string          `json:"category"`
	Data             json.RawMessage `json:"data"`
	ControlType      string          `json:"control_type"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// ParseInbound parses a packet received from the push backbone.
// Upstream packets must carry from and message_id; anything else wrong with
// an upstream packet is left for the handler, which acks first.
func ParseInbound(raw []byte) (*domain.InboundPacket, error) {
	var w inboundWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperrors.MalformedInputError("invalid packet JSON", err)
	}

	p := &domain.InboundPacket{
		From:             w.From,
		MessageID:        w.MessageID,
		Category:         w.Category,
		ControlType:      w.ControlType,
		Error:            w.Error,
		ErrorDescription: w.ErrorDescription,
	}
	if w.MessageType != nil {
		p.MessageType = *w.MessageType
	}

	if p.IsUpstream() {
		if p.From == "" {
			return nil, apperrors.MissingFieldError("from")
		}
		if p.MessageID == "" {
			return nil, apperrors.MissingFieldError("message_id")
		}
	}

	// Once a packet is ackable, bad optional fields must not stop it from
	// reaching the handler: ttl falls back to zero and an unusable data field
	// is kept as-is for ParseEnvelope to reject after the ack.
	var ok bool
	p.TimeToLive, ok = parseTTL(w.TimeToLive)
	p.InvalidTimeToLive = !ok

	data, err := normalizeObject(w.Data)
	if err != nil {
		if !p.IsUpstream() {
			return nil, apperrors.MalformedInputError("invalid data field", err).
				WithDetails(map[string]string{"field": "data"})
		}
		data = bytes.TrimSpace(w.Data)
	}
	p.Data = data
	return p, nil
}

// normalizeObject accepts a JSON object or a string holding one
func normalizeObject(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil, errNotObject
	}
	return raw, nil
}

var errNotObject = apperrors.New(apperrors.ErrCodeMalformedInput, "expected a JSON object")

// ParseEnvelope parses the data field of an upstream packet
func ParseEnvelope(data json.RawMessage) (*domain.EncryptedEnvelope, error) {
	if len(data) == 0 {
		return nil, apperrors.MissingFieldError("data")
	}

	var env domain.EncryptedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.MalformedInputError("invalid envelope", err)
	}

	switch {
	case env.Email == "":
		return nil, apperrors.MissingFieldError("email")
	case env.EncKey == "":
		return nil, apperrors.MissingFieldError("enc_key")
	case env.EncMessage == "":
		return nil, apperrors.MissingFieldError("enc_message")
	}
	return &env, nil
}

// EncodeDownstream builds an outbound packet carrying env to the address to
func EncodeDownstream(to, messageID string, env *domain.EncryptedEnvelope) ([]byte, error) {
	if to == "" {
		return nil, apperrors.MissingFieldError("to")
	}
	// The sender email is never echoed downstream.
	data := *env
	data.Email = ""

	return json.Marshal(domain.OutboundPacket{
		To:        to,
		MessageID: messageID,
		Data:      &data,
		Android:   &domain.AndroidConfig{Priority: "normal"},
	})
}

// ParseOutbound parses a packet produced by EncodeDownstream
func ParseOutbound(raw []byte) (*domain.OutboundPacket, error) {
	var p domain.OutboundPacket
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.MalformedInputError("invalid outbound packet", err)
	}
	if p.To == "" {
		return nil, apperrors.MissingFieldError("to")
	}
	if p.Data == nil {
		return nil, apperrors.MissingFieldError("data")
	}
	return &p, nil
}

// EncodeAck builds the ack for an upstream packet
func EncodeAck(from, messageID string) ([]byte, error) {
	return json.Marshal(domain.AckPacket{
		MessageType: constants.MessageTypeAck,
		From:        from,
		MessageID:   messageID,
	})
}
