package domain

import "encoding/json"

// Downstream response and notice types
const (
	DownstreamRegisterPublicKeyResponse     = "register_public_key_response"
	DownstreamGetNotificationKeyResponse    = "get_notification_key_response"
	DownstreamCreateGroupResponse           = "create_group_response"
	DownstreamAddedToGroup                  = "added_to_group"
	DownstreamAddPeerToGroupResponse        = "add_peer_to_group_response"
	DownstreamAddedPeerToGroup              = "added_peer_to_group"
	DownstreamRemovePeerFromGroupResponse   = "remove_peer_from_group_response"
	DownstreamRemovedPeerFromGroup          = "removed_peer_from_group"
	DownstreamForwardToPeer                 = "forward_to_peer"
	DownstreamForwardToGroup                = "forward_to_group"
	DownstreamUpdateNotificationKeyResponse = "update_notification_key_response"
)

// OutcomeResponse reports success or failure of a request to its sender
type OutcomeResponse struct {
	DownstreamType string `json:"downstream_type"`
	RequestID      string `json:"request_id"`
	Success        bool   `json:"success"`
}

// NotificationKeyResponse answers get_notification_key.
// NotificationKey is present only on success.
type NotificationKeyResponse struct {
	DownstreamType  string `json:"downstream_type"`
	RequestID       string `json:"request_id"`
	Success         bool   `json:"success"`
	NotificationKey string `json:"notification_key,omitempty"`
}

// CreateGroupResponse answers a successful create_group
type CreateGroupResponse struct {
	DownstreamType string       `json:"downstream_type"`
	RequestID      string       `json:"request_id"`
	GroupName      string       `json:"group_name"`
	GroupID        string       `json:"group_id"`
	Success        bool         `json:"success"`
	FailedEmails   []string     `json:"failed_emails"`
	Members        []MemberInfo `json:"members"`
}

// AddedToGroupNotice tells a user they are now a member of a group
type AddedToGroupNotice struct {
	DownstreamType string       `json:"downstream_type"`
	GroupName      string       `json:"group_name"`
	GroupID        string       `json:"group_id"`
	Members        []MemberInfo `json:"members"`
}

// AddPeerToGroupResponse answers a successful add_peer_to_group
type AddPeerToGroupResponse struct {
	DownstreamType string `json:"downstream_type"`
	RequestID      string `json:"request_id"`
	GroupName      string `json:"group_name"`
	GroupID        string `json:"group_id"`
	Success        bool   `json:"success"`
	PeerEmail      string `json:"peer_email"`
	PeerToken      string `json:"peer_token"`
	PeerPublicKey  string `json:"peer_public_key"`
}

// AddedPeerToGroupNotice tells existing members about a new member
type AddedPeerToGroupNotice struct {
	DownstreamType string `json:"downstream_type"`
	GroupName      string `json:"group_name"`
	GroupID        string `json:"group_id"`
	PeerEmail      string `json:"peer_email"`
	PeerToken      string `json:"peer_token"`
	PeerPublicKey  string `json:"peer_public_key"`
}

// PeerRemovedMessage is sent for remove_peer_from_group. The requester gets
// the response framing with RequestID set; everyone else gets the notice.
type PeerRemovedMessage struct {
	DownstreamType string `json:"downstream_type"`
	RequestID      string `json:"request_id,omitempty"`
	GroupName      string `json:"group_name"`
	GroupID        string `json:"group_id"`
	Success        bool   `json:"success"`
	PeerEmail      string `json:"peer_email"`
}

// ForwardToPeerMessage carries a peer message verbatim
type ForwardToPeerMessage struct {
	DownstreamType string          `json:"downstream_type"`
	PeerMessage    json.RawMessage `json:"peer_message"`
}

// ForwardToGroupMessage carries a group message verbatim to one member
type ForwardToGroupMessage struct {
	DownstreamType string          `json:"downstream_type"`
	GroupMessage   json.RawMessage `json:"group_message"`
	Originator     string          `json:"originator"`
	GroupID        string          `json:"group_id"`
}
