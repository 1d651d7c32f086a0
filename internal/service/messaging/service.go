// Package messaging opens upstream encrypted envelopes and seals downstream ones.
package messaging

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2ee-relay/internal/codec"
	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/e2ee"
	apperrors "e2ee-relay/pkg/errors"
	"e2ee-relay/pkg/logger"
	"e2ee-relay/pkg/metrics"
)

// PacketSender writes packets to the push backbone
type PacketSender interface {
	SendJSON(ctx context.Context, payload []byte) error
	SendAck(ctx context.Context, from, messageID string) error
}

// KeyDirectory resolves registered users
type KeyDirectory interface {
	GetPublicKey(email string) (string, bool)
	GetNotificationKey(email string) (string, bool)
}

// GroupDirectory resolves group membership
type GroupDirectory interface {
	GetGroupMembers(groupID string) ([]string, bool)
}

// DedupStore remembers upstream packets by sender address and message ID
type DedupStore interface {
	MarkSeen(ctx context.Context, from, messageID string) (bool, error)
}

// Dispatcher executes a decrypted request
type Dispatcher interface {
	Dispatch(ctx context.Context, sender domain.Sender, req domain.Request)
}

// Config controls envelope policy
type Config struct {
	// RequireSignature rejects unsigned envelopes for everything except register_public_key
	RequireSignature bool
	// SignResponses attaches a server signature over enc_message to downstream envelopes
	SignResponses bool
}

// Service handles the encrypted half of the protocol
type Service struct {
	sender     PacketSender
	keys       KeyDirectory
	groups     GroupDirectory
	dedup      DedupStore
	dispatcher Dispatcher
	privateKey *rsa.PrivateKey
	cfg        Config
	log        *zap.Logger
	newID      func() string
}

// NewService creates a messaging service. dedup may be nil.
func NewService(
	sender PacketSender,
	keys KeyDirectory,
	groups GroupDirectory,
	dedup DedupStore,
	privateKey *rsa.PrivateKey,
	cfg Config,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		sender:     sender,
		keys:       keys,
		groups:     groups,
		dedup:      dedup,
		privateKey: privateKey,
		cfg:        cfg,
		log:        log,
		newID:      uuid.NewString,
	}
}

// SetDispatcher wires the request dispatcher. It must be called before the
// first packet is handled.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// NewMessageID returns a fresh downstream message ID
func (s *Service) NewMessageID() string {
	return s.newID()
}

// HandleEncryptedMessage acks an upstream packet, then authenticates, decrypts
// and dispatches it. Every failure aborts the packet; nothing is dispatched
// from a partially processed envelope.
func (s *Service) HandleEncryptedMessage(ctx context.Context, packet *domain.InboundPacket) error {
	ctx = logger.WithMessageID(ctx, packet.MessageID)
	log := logger.FromContext(ctx, s.log).With(zap.String("from", packet.From))

	if err := s.sender.SendAck(ctx, packet.From, packet.MessageID); err != nil {
		metrics.RelayAcksSentTotal.WithLabelValues("failure").Inc()
		log.Error("Failed to send ack", zap.Error(err))
	} else {
		metrics.RelayAcksSentTotal.WithLabelValues("success").Inc()
	}

	if s.dedup != nil {
		first, err := s.dedup.MarkSeen(ctx, packet.From, packet.MessageID)
		if err != nil {
			log.Warn("Dedup store unavailable, processing packet anyway", zap.Error(err))
		} else if !first {
			metrics.RelayDuplicatePacketsTotal.Inc()
			log.Info("Dropping redelivered upstream packet")
			return nil
		}
	}

	env, err := codec.ParseEnvelope(packet.Data)
	if err != nil {
		return s.reject(log, "parse", err)
	}
	log = log.With(zap.String("email", env.Email))

	authenticated := false
	if env.Signed() {
		if err := s.verify(env); err != nil {
			return s.reject(log, "signature", err)
		}
		authenticated = true
	}

	plaintext, err := e2ee.Open(&e2ee.Sealed{EncKey: env.EncKey, EncMessage: env.EncMessage}, s.privateKey)
	if err != nil {
		return s.reject(log, "decrypt", apperrors.CryptoError("decrypt envelope", err))
	}

	req, err := codec.DecodeRequest(plaintext)
	if err != nil {
		return s.reject(log, "decode", err)
	}

	if s.cfg.RequireSignature && !authenticated && req.UpstreamType() != domain.UpstreamRegisterPublicKey {
		return s.reject(log, "signature", apperrors.New(apperrors.ErrCodeCrypto, "unsigned envelope").
			WithDetails(map[string]string{"upstream_type": req.UpstreamType()}))
	}

	if s.dispatcher == nil {
		return s.reject(log, "dispatch", apperrors.InternalError("no dispatcher configured"))
	}

	log.Debug("Dispatching upstream request",
		zap.String("upstream_type", req.UpstreamType()),
		zap.Bool("authenticated", authenticated))
	s.dispatcher.Dispatch(ctx, domain.Sender{
		Address:       packet.From,
		Email:         env.Email,
		MessageID:     packet.MessageID,
		Authenticated: authenticated,
	}, req)
	return nil
}

func (s *Service) verify(env *domain.EncryptedEnvelope) error {
	publicKey, ok := s.keys.GetPublicKey(env.Email)
	if !ok {
		return apperrors.UnknownIdentityError("email", env.Email)
	}
	key, err := e2ee.ParsePublicKey(publicKey)
	if err != nil {
		return apperrors.CryptoError("parse sender public key", err)
	}
	if !e2ee.Verify([]byte(env.EncMessage), env.Signature, key) {
		return apperrors.New(apperrors.ErrCodeCrypto, "signature verification failed")
	}
	return nil
}

func (s *Service) reject(log *zap.Logger, stage string, err error) error {
	code := apperrors.CodeOf(err)
	metrics.RelayEnvelopeRejectedTotal.WithLabelValues(stage, code).Inc()
	log.Warn("Dropping upstream packet",
		zap.String("stage", stage),
		zap.String("code", code),
		zap.Error(err))
	return err
}

// SendEncryptedResponseJSON seals response for toEmail under a fresh AES key
// and sends it to toAddress.
func (s *Service) SendEncryptedResponseJSON(ctx context.Context, response any, toAddress, toEmail, messageID string) error {
	log := s.log.With(zap.String("to_email", toEmail), zap.String("message_id", messageID))

	err := s.sendEncrypted(ctx, response, toAddress, toEmail, messageID)
	if err != nil {
		metrics.RelayDownstreamSentTotal.WithLabelValues(apperrors.CodeOf(err)).Inc()
		if errors.Is(err, apperrors.ErrUnknownIdentity) {
			log.Error("Cannot send response since the recipient has no registered public key", zap.Error(err))
		} else {
			log.Error("Failed to send encrypted response", zap.Error(err))
		}
		return err
	}

	metrics.RelayDownstreamSentTotal.WithLabelValues("ok").Inc()
	log.Debug("Sent encrypted response")
	return nil
}

func (s *Service) sendEncrypted(ctx context.Context, response any, toAddress, toEmail, messageID string) error {
	plaintext, err := marshalResponse(response)
	if err != nil {
		return apperrors.InternalError("marshal response: " + err.Error())
	}

	publicKey, ok := s.keys.GetPublicKey(toEmail)
	if !ok {
		return apperrors.UnknownIdentityError("email", toEmail)
	}
	key, err := e2ee.ParsePublicKey(publicKey)
	if err != nil {
		return apperrors.CryptoError("parse recipient public key", err)
	}

	sealed, err := e2ee.Seal(plaintext, key)
	if err != nil {
		return apperrors.CryptoError("seal response", err)
	}

	env := &domain.EncryptedEnvelope{EncKey: sealed.EncKey, EncMessage: sealed.EncMessage}
	if s.cfg.SignResponses {
		sig, err := e2ee.Sign([]byte(sealed.EncMessage), s.privateKey)
		if err != nil {
			return apperrors.CryptoError("sign response", err)
		}
		env.Signature = sig
	}

	packet, err := codec.EncodeDownstream(toAddress, messageID, env)
	if err != nil {
		return err
	}
	if err := s.sender.SendJSON(ctx, packet); err != nil {
		return apperrors.TransportError("send downstream packet", err)
	}
	return nil
}

func marshalResponse(response any) ([]byte, error) {
	switch v := response.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// SendEncryptedGroupMessage sends message to every member of groupID except
// the originator, each sealed under that member's own key. Membership is read
// once; members added or removed during the fan-out are not reconciled.
func (s *Service) SendEncryptedGroupMessage(ctx context.Context, groupID string, message json.RawMessage, originatorEmail string) error {
	log := s.log.With(zap.String("group_id", groupID), zap.String("originator", originatorEmail))

	members, ok := s.groups.GetGroupMembers(groupID)
	if !ok {
		err := apperrors.UnknownIdentityError("group", groupID)
		log.Error("Could not get members for group, ignoring message", zap.Error(err))
		return err
	}

	payload, err := json.Marshal(domain.ForwardToGroupMessage{
		DownstreamType: domain.DownstreamForwardToGroup,
		GroupMessage:   message,
		Originator:     originatorEmail,
		GroupID:        groupID,
	})
	if err != nil {
		return apperrors.InternalError("marshal group message: " + err.Error())
	}

	recipients := 0
	for _, member := range members {
		if member == originatorEmail {
			continue
		}
		address, ok := s.keys.GetNotificationKey(member)
		if !ok {
			log.Warn("Skipping group member without notification key", zap.String("member", member))
			continue
		}
		recipients++
		// Failures are logged per recipient; the fan-out carries on.
		_ = s.SendEncryptedResponseJSON(ctx, payload, address, member, s.newID())
	}

	metrics.RelayGroupFanoutSize.Observe(float64(recipients))
	log.Info("Fanned out group message", zap.Int("recipients", recipients))
	return nil
}
