package domain

import "encoding/json"

// Upstream request types
const (
	UpstreamRegisterPublicKey     = "register_public_key"
	UpstreamGetNotificationKey    = "get_notification_key"
	UpstreamCreateGroup           = "create_group"
	UpstreamAddPeerToGroup        = "add_peer_to_group"
	UpstreamRemovePeerFromGroup   = "remove_peer_from_group"
	UpstreamForwardToPeer         = "forward_to_peer"
	UpstreamForwardToGroup        = "forward_to_group"
	UpstreamUpdateNotificationKey = "update_notification_key"
)

// Request is a decrypted upstream request. The set of implementations is
// closed: every variant lives in this file.
type Request interface {
	UpstreamType() string
	isRequest()
}

// RegisterPublicKeyRequest registers the sender's public key under email,
// with the packet's from address as the notification address
type RegisterPublicKeyRequest struct {
	Email     string `json:"email"`
	PublicKey string `json:"public_key"`
}

// GetNotificationKeyRequest asks for another user's notification address
type GetNotificationKeyRequest struct {
	Email string `json:"email"`
}

// CreateGroupRequest creates a group of the requester and the registered members
type CreateGroupRequest struct {
	GroupID      string   `json:"group_id"`
	GroupName    string   `json:"group_name"` // Defaults to GroupID
	MemberEmails []string `json:"member_emails"`
}

// AddPeerToGroupRequest adds a registered peer to an existing group
type AddPeerToGroupRequest struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	PeerEmail string `json:"peer_email"`
}

// RemovePeerFromGroupRequest removes a peer (possibly the requester) from a group
type RemovePeerFromGroupRequest struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	PeerEmail string `json:"peer_email"`
}

// ForwardToPeerRequest forwards an opaque message to one peer
type ForwardToPeerRequest struct {
	PeerEmail   string          `json:"peer_email"`
	PeerMessage json.RawMessage `json:"peer_message"`
}

// ForwardToGroupRequest fans an opaque message out to every other group member
type ForwardToGroupRequest struct {
	GroupID      string          `json:"group_id"`
	GroupMessage json.RawMessage `json:"group_message"`
}

// UpdateNotificationKeyRequest rotates the sender's notification address to
// the packet's from address. Only honoured on signed envelopes.
type UpdateNotificationKeyRequest struct {
	Email string `json:"email"`
}

// UnknownRequest carries an upstream_type the relay does not support
type UnknownRequest struct {
	Type string
}

func (RegisterPublicKeyRequest) UpstreamType() string     { return UpstreamRegisterPublicKey }
func (GetNotificationKeyRequest) UpstreamType() string    { return UpstreamGetNotificationKey }
func (CreateGroupRequest) UpstreamType() string           { return UpstreamCreateGroup }
func (AddPeerToGroupRequest) UpstreamType() string        { return UpstreamAddPeerToGroup }
func (RemovePeerFromGroupRequest) UpstreamType() string   { return UpstreamRemovePeerFromGroup }
func (ForwardToPeerRequest) UpstreamType() string         { return UpstreamForwardToPeer }
func (ForwardToGroupRequest) UpstreamType() string        { return UpstreamForwardToGroup }
func (UpdateNotificationKeyRequest) UpstreamType() string { return UpstreamUpdateNotificationKey }
func (r UnknownRequest) UpstreamType() string             { return r.Type }

func (RegisterPublicKeyRequest) isRequest()     {}
func (GetNotificationKeyRequest) isRequest()    {}
func (CreateGroupRequest) isRequest()           {}
func (AddPeerToGroupRequest) isRequest()        {}
func (RemovePeerFromGroupRequest) isRequest()   {}
func (ForwardToPeerRequest) isRequest()         {}
func (ForwardToGroupRequest) isRequest()        {}
func (UpdateNotificationKeyRequest) isRequest() {}
func (UnknownRequest) isRequest()               {}

// Sender identifies who sent an upstream request
type Sender struct {
	Address       string // Notification address the packet came from
	Email         string // Email claimed by the envelope
	MessageID     string // Upstream message_id, echoed as request_id
	Authenticated bool   // Envelope carried a valid signature
}
