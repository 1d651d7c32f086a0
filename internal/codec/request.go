package codec

import (
	"bytes"
	"encoding/json"

	"e2ee-relay/internal/domain"
	apperrors "e2ee-relay/pkg/errors"
)

// stringList decodes a JSON array of strings, or a string holding one
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

type requestWire struct {
	UpstreamType string          `json:"upstream_type"`
	Email        string          `json:"email"`
	PublicKey    string          `json:"public_key"`
	GroupID      string          `json:"group_id"`
	GroupName    string          `json:"group_name"`
	MemberEmails *stringList     `json:"member_emails"`
	PeerEmail    string          `json:"peer_email"`
	PeerMessage  json.RawMessage `json:"peer_message"`
	GroupMessage json.RawMessage `json:"group_message"`
}

// DecodeRequest decodes a decrypted upstream request into its variant.
// Unsupported upstream types decode to domain.UnknownRequest.
func DecodeRequest(plaintext []byte) (domain.Request, error) {
	var w requestWire
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return nil, apperrors.MalformedInputError("invalid request JSON", err)
	}
	if w.UpstreamType == "" {
		return nil, apperrors.MissingFieldError("upstream_type")
	}

	switch w.UpstreamType {
	case domain.UpstreamRegisterPublicKey:
		if err := requireFields("email", w.Email, "public_key", w.PublicKey); err != nil {
			return nil, err
		}
		return domain.RegisterPublicKeyRequest{Email: w.Email, PublicKey: w.PublicKey}, nil

	case domain.UpstreamGetNotificationKey:
		if err := requireFields("email", w.Email); err != nil {
			return nil, err
		}
		return domain.GetNotificationKeyRequest{Email: w.Email}, nil

	case domain.UpstreamCreateGroup:
		if err := requireFields("group_id", w.GroupID); err != nil {
			return nil, err
		}
		if w.MemberEmails == nil {
			return nil, apperrors.MissingFieldError("member_emails")
		}
		name := w.GroupName
		if name == "" {
			name = w.GroupID
		}
		return domain.CreateGroupRequest{
			GroupID:      w.GroupID,
			GroupName:    name,
			MemberEmails: []string(*w.MemberEmails),
		}, nil

	case domain.UpstreamAddPeerToGroup:
		if err := requireFields("group_id", w.GroupID, "group_name", w.GroupName, "peer_email", w.PeerEmail); err != nil {
			return nil, err
		}
		return domain.AddPeerToGroupRequest{GroupID: w.GroupID, GroupName: w.GroupName, PeerEmail: w.PeerEmail}, nil

	case domain.UpstreamRemovePeerFromGroup:
		if err := requireFields("group_id", w.GroupID, "group_name", w.GroupName, "peer_email", w.PeerEmail); err != nil {
			return nil, err
		}
		return domain.RemovePeerFromGroupRequest{GroupID: w.GroupID, GroupName: w.GroupName, PeerEmail: w.PeerEmail}, nil

	case domain.UpstreamForwardToPeer:
		if err := requireFields("peer_email", w.PeerEmail); err != nil {
			return nil, err
		}
		if isAbsent(w.PeerMessage) {
			return nil, apperrors.MissingFieldError("peer_message")
		}
		return domain.ForwardToPeerRequest{PeerEmail: w.PeerEmail, PeerMessage: w.PeerMessage}, nil

	case domain.UpstreamForwardToGroup:
		if err := requireFields("group_id", w.GroupID); err != nil {
			return nil, err
		}
		if isAbsent(w.GroupMessage) {
			return nil, apperrors.MissingFieldError("group_message")
		}
		return domain.ForwardToGroupRequest{GroupID: w.GroupID, GroupMessage: w.GroupMessage}, nil

	case domain.UpstreamUpdateNotificationKey:
		if err := requireFields("email", w.Email); err != nil {
			return nil, err
		}
		return domain.UpdateNotificationKeyRequest{Email: w.Email}, nil

	default:
		return domain.UnknownRequest{Type: w.UpstreamType}, nil
	}
}

// requireFields takes name/value pairs and reports the first empty value
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return apperrors.MissingFieldError(pairs[i])
		}
	}
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
