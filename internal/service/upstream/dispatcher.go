// Package upstream executes decrypted client requests against the key and
// group registries and sends the encrypted responses.
package upstream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/logger"
	"e2ee-relay/pkg/metrics"
)

// Responder sends encrypted downstream messages
type Responder interface {
	SendEncryptedResponseJSON(ctx context.Context, response any, toAddress, toEmail, messageID string) error
	SendEncryptedGroupMessage(ctx context.Context, groupID string, message json.RawMessage, originatorEmail string) error
	NewMessageID() string
}

// KeyStore is the public key registry as seen by the dispatcher
type KeyStore interface {
	MaybeAddPublicKey(email, notificationAddress, publicKey string) bool
	GetContact(email string) (domain.UserContact, bool)
	GetNotificationKey(email string) (string, bool)
	UpdateNotificationKey(email, newAddress string) bool
}

// GroupStore is the group registry as seen by the dispatcher
type GroupStore interface {
	RegisterGroup(groupID string, members []string, creator string)
	AttachRemoteToken(groupID, token string) bool
	GetRemoteToken(groupID string) (string, bool)
	GetGroupMembers(groupID string) ([]string, bool)
	AddPeerToGroup(groupID, email string) bool
	RemovePeerFromGroup(groupID, email string) bool
}

// DeviceGroupCreator creates the push backbone's own device group
type DeviceGroupCreator interface {
	MaybeCreateGroup(ctx context.Context, groupID string, notificationAddresses []string) (string, error)
}

// Dispatcher routes requests to their handlers
type Dispatcher struct {
	responder    Responder
	keys         KeyStore
	groups       GroupStore
	deviceGroups DeviceGroupCreator
	log          *zap.Logger
}

// NewDispatcher creates a dispatcher. deviceGroups may be nil, in which case
// groups only exist locally.
func NewDispatcher(
	responder Responder,
	keys KeyStore,
	groups GroupStore,
	deviceGroups DeviceGroupCreator,
	log *zap.Logger,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		responder:    responder,
		keys:         keys,
		groups:       groups,
		deviceGroups: deviceGroups,
		log:          log,
	}
}

// Dispatch executes req on behalf of sender. Failures are reported to the
// requester where the protocol has a response for them and logged otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, sender domain.Sender, req domain.Request) {
	log := logger.FromContext(ctx, d.log).With(zap.String("email", sender.Email))

	label := req.UpstreamType()
	if _, unknown := req.(domain.UnknownRequest); unknown {
		label = "unknown"
	}
	metrics.RelayRequestsTotal.WithLabelValues(label).Inc()
	log.Info("Received upstream request", zap.String("upstream_type", req.UpstreamType()))

	switch r := req.(type) {
	case domain.RegisterPublicKeyRequest:
		d.registerPublicKey(ctx, log, sender, r)
	case domain.GetNotificationKeyRequest:
		d.getNotificationKey(ctx, sender, r)
	case domain.CreateGroupRequest:
		d.createGroup(ctx, log, sender, r)
	case domain.AddPeerToGroupRequest:
		d.addPeerToGroup(ctx, log, sender, r)
	case domain.RemovePeerFromGroupRequest:
		d.removePeerFromGroup(ctx, log, sender, r)
	case domain.ForwardToPeerRequest:
		d.forwardToPeer(ctx, log, r)
	case domain.ForwardToGroupRequest:
		d.forwardToGroup(ctx, log, sender, r)
	case domain.UpdateNotificationKeyRequest:
		d.updateNotificationKey(ctx, log, sender, r)
	case domain.UnknownRequest:
		log.Warn("Received an unsupported upstream request type", zap.String("upstream_type", r.Type))
	default:
		log.Error("Unhandled request variant", zap.String("upstream_type", req.UpstreamType()))
	}
}

// send delivers response under a fresh message ID. Send failures are logged
// by the responder.
func (d *Dispatcher) send(ctx context.Context, response any, toAddress, toEmail string) {
	_ = d.responder.SendEncryptedResponseJSON(ctx, response, toAddress, toEmail, d.responder.NewMessageID())
}

func (d *Dispatcher) sendOutcome(ctx context.Context, sender domain.Sender, downstreamType string, success bool) {
	d.send(ctx, domain.OutcomeResponse{
		DownstreamType: downstreamType,
		RequestID:      sender.MessageID,
		Success:        success,
	}, sender.Address, sender.Email)
}

func (d *Dispatcher) registerPublicKey(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.RegisterPublicKeyRequest) {
	added := d.keys.MaybeAddPublicKey(r.Email, sender.Address, r.PublicKey)
	log.Info("Public key registration", zap.String("registered_email", r.Email), zap.Bool("added", added))
	d.sendOutcome(ctx, sender, domain.DownstreamRegisterPublicKeyResponse, added)
}

func (d *Dispatcher) getNotificationKey(ctx context.Context, sender domain.Sender, r domain.GetNotificationKeyRequest) {
	address, ok := d.keys.GetNotificationKey(r.Email)
	d.send(ctx, domain.NotificationKeyResponse{
		DownstreamType:  domain.DownstreamGetNotificationKeyResponse,
		RequestID:       sender.MessageID,
		Success:         ok,
		NotificationKey: address,
	}, sender.Address, sender.Email)
}

func (d *Dispatcher) createGroup(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.CreateGroupRequest) {
	log = log.With(zap.String("group_id", r.GroupID))

	requester, ok := d.keys.GetContact(sender.Email)
	if !ok {
		log.Warn("Cannot create group for an unregistered requester")
		d.sendOutcome(ctx, sender, domain.DownstreamCreateGroupResponse, false)
		return
	}

	members := []domain.MemberInfo{{
		Email:           sender.Email,
		PublicKey:       requester.PublicKey,
		NotificationKey: sender.Address,
	}}
	registered := make([]string, 0, len(r.MemberEmails))
	failed := []string{}
	seen := map[string]bool{sender.Email: true}
	for _, email := range r.MemberEmails {
		if seen[email] {
			continue
		}
		seen[email] = true

		contact, ok := d.keys.GetContact(email)
		if !ok {
			failed = append(failed, email)
			continue
		}
		registered = append(registered, email)
		members = append(members, domain.MemberInfo{
			Email:           email,
			PublicKey:       contact.PublicKey,
			NotificationKey: contact.NotificationAddress,
		})
	}

	// The backbone rejects a second create under the same key name, so a
	// re-registration merges members locally and keeps the existing token.
	remoteToken, hasRemote := d.groups.GetRemoteToken(r.GroupID)
	if hasRemote {
		log.Debug("Device group already exists, registering members locally")
	}
	if d.deviceGroups != nil && !hasRemote {
		addresses := make([]string, 0, len(members))
		for _, m := range members {
			addresses = append(addresses, m.NotificationKey)
		}
		token, err := d.deviceGroups.MaybeCreateGroup(ctx, r.GroupID, addresses)
		if err != nil {
			log.Warn("Remote device group creation failed", zap.Error(err))
			d.sendOutcome(ctx, sender, domain.DownstreamCreateGroupResponse, false)
			return
		}
		remoteToken = token
	}

	d.groups.RegisterGroup(r.GroupID, registered, sender.Email)
	if remoteToken != "" && !hasRemote {
		d.groups.AttachRemoteToken(r.GroupID, remoteToken)
	}

	d.send(ctx, domain.CreateGroupResponse{
		DownstreamType: domain.DownstreamCreateGroupResponse,
		RequestID:      sender.MessageID,
		GroupName:      r.GroupName,
		GroupID:        r.GroupID,
		Success:        true,
		FailedEmails:   failed,
		Members:        members,
	}, sender.Address, sender.Email)

	notice := domain.AddedToGroupNotice{
		DownstreamType: domain.DownstreamAddedToGroup,
		GroupName:      r.GroupName,
		GroupID:        r.GroupID,
		Members:        members,
	}
	for _, m := range members[1:] {
		d.send(ctx, notice, m.NotificationKey, m.Email)
	}

	log.Info("Created group",
		zap.Int("members", len(members)),
		zap.Strings("failed_emails", failed))
}

func (d *Dispatcher) addPeerToGroup(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.AddPeerToGroupRequest) {
	log = log.With(zap.String("group_id", r.GroupID), zap.String("peer_email", r.PeerEmail))

	peer, ok := d.keys.GetContact(r.PeerEmail)
	if !ok {
		log.Error("Could not add peer to group since they are not registered")
		d.sendOutcome(ctx, sender, domain.DownstreamAddPeerToGroupResponse, false)
		return
	}
	if !d.groups.AddPeerToGroup(r.GroupID, r.PeerEmail) {
		d.sendOutcome(ctx, sender, domain.DownstreamAddPeerToGroupResponse, false)
		return
	}

	emails, _ := d.groups.GetGroupMembers(r.GroupID)
	members := d.memberInfo(emails)

	d.send(ctx, domain.AddPeerToGroupResponse{
		DownstreamType: domain.DownstreamAddPeerToGroupResponse,
		RequestID:      sender.MessageID,
		GroupName:      r.GroupName,
		GroupID:        r.GroupID,
		Success:        true,
		PeerEmail:      r.PeerEmail,
		PeerToken:      peer.NotificationAddress,
		PeerPublicKey:  peer.PublicKey,
	}, sender.Address, sender.Email)

	d.send(ctx, domain.AddedToGroupNotice{
		DownstreamType: domain.DownstreamAddedToGroup,
		GroupName:      r.GroupName,
		GroupID:        r.GroupID,
		Members:        members,
	}, peer.NotificationAddress, r.PeerEmail)

	notice := domain.AddedPeerToGroupNotice{
		DownstreamType: domain.DownstreamAddedPeerToGroup,
		GroupName:      r.GroupName,
		GroupID:        r.GroupID,
		PeerEmail:      r.PeerEmail,
		PeerToken:      peer.NotificationAddress,
		PeerPublicKey:  peer.PublicKey,
	}
	for _, m := range members {
		if m.Email == sender.Email || m.Email == r.PeerEmail {
			continue
		}
		d.send(ctx, notice, m.NotificationKey, m.Email)
	}
	log.Info("Added peer to group", zap.Int("members", len(emails)))
}

// memberInfo resolves the registered members among emails, keeping order
func (d *Dispatcher) memberInfo(emails []string) []domain.MemberInfo {
	members := make([]domain.MemberInfo, 0, len(emails))
	for _, email := range emails {
		contact, ok := d.keys.GetContact(email)
		if !ok {
			continue
		}
		members = append(members, domain.MemberInfo{
			Email:           email,
			PublicKey:       contact.PublicKey,
			NotificationKey: contact.NotificationAddress,
		})
	}
	return members
}

func (d *Dispatcher) removePeerFromGroup(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.RemovePeerFromGroupRequest) {
	log = log.With(zap.String("group_id", r.GroupID), zap.String("peer_email", r.PeerEmail))

	if !d.groups.RemovePeerFromGroup(r.GroupID, r.PeerEmail) {
		return
	}
	log.Info("Removed peer from group, sending responses")

	notify := func(email string) {
		address, ok := d.keys.GetNotificationKey(email)
		if !ok {
			log.Warn("Could not send remove peer update since the member has no notification key",
				zap.String("member", email))
			return
		}
		msg := domain.PeerRemovedMessage{
			DownstreamType: domain.DownstreamRemovedPeerFromGroup,
			GroupName:      r.GroupName,
			GroupID:        r.GroupID,
			Success:        true,
			PeerEmail:      r.PeerEmail,
		}
		if email == sender.Email {
			msg.DownstreamType = domain.DownstreamRemovePeerFromGroupResponse
			msg.RequestID = sender.MessageID
		}
		d.send(ctx, msg, address, email)
	}

	notify(r.PeerEmail)
	remaining, _ := d.groups.GetGroupMembers(r.GroupID)
	for _, email := range remaining {
		notify(email)
	}
}

func (d *Dispatcher) forwardToGroup(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.ForwardToGroupRequest) {
	log = log.With(zap.String("group_id", r.GroupID))
	if err := d.responder.SendEncryptedGroupMessage(ctx, r.GroupID, r.GroupMessage, sender.Email); err != nil {
		log.Warn("Group message not delivered", zap.Error(err))
		return
	}
	log.Debug("Forwarded message to group")
}

func (d *Dispatcher) forwardToPeer(ctx context.Context, log *zap.Logger, r domain.ForwardToPeerRequest) {
	address, ok := d.keys.GetNotificationKey(r.PeerEmail)
	if !ok {
		log.Warn("Dropping message for unknown peer", zap.String("peer_email", r.PeerEmail))
		return
	}
	d.send(ctx, domain.ForwardToPeerMessage{
		DownstreamType: domain.DownstreamForwardToPeer,
		PeerMessage:    r.PeerMessage,
	}, address, r.PeerEmail)
	log.Info("Forwarded message to peer", zap.String("peer_email", r.PeerEmail))
}

func (d *Dispatcher) updateNotificationKey(ctx context.Context, log *zap.Logger, sender domain.Sender, r domain.UpdateNotificationKeyRequest) {
	if !sender.Authenticated || r.Email != sender.Email {
		log.Warn("Refusing notification key update",
			zap.Bool("authenticated", sender.Authenticated),
			zap.String("requested_email", r.Email))
		d.sendOutcome(ctx, sender, domain.DownstreamUpdateNotificationKeyResponse, false)
		return
	}
	ok := d.keys.UpdateNotificationKey(r.Email, sender.Address)
	d.sendOutcome(ctx, sender, domain.DownstreamUpdateNotificationKeyResponse, ok)
}
