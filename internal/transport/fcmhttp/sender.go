// Package fcmhttp sends downstream packets through the FCM HTTP v1 API using
// the Firebase Admin SDK. It carries no upstream traffic.
package fcmhttp

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"e2ee-relay/internal/codec"
	apperrors "e2ee-relay/pkg/errors"
)

// Config contains Firebase credentials
type Config struct {
	CredentialsPath string // Path to service account JSON file
	CredentialsJSON []byte // Service account JSON content (alternative to file path)
	ProjectID       string
}

// messagingClient is the part of *messaging.Client the sender uses
type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Sender converts relay downstream packets to HTTP v1 data messages
type Sender struct {
	client messagingClient
	log    *zap.Logger
}

// NewSender initializes the Firebase app and messaging client
func NewSender(ctx context.Context, cfg Config, log *zap.Logger) (*Sender, error) {
	var opts []option.ClientOption
	switch {
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case cfg.CredentialsPath != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	default:
		return nil, fmt.Errorf("either CredentialsPath or CredentialsJSON must be provided")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	log.Info("FCM HTTP v1 sender initialized", zap.String("project_id", cfg.ProjectID))
	return newSender(client, log), nil
}

func newSender(client messagingClient, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{client: client, log: log}
}

// SendJSON sends a packet built by codec.EncodeDownstream
func (s *Sender) SendJSON(ctx context.Context, payload []byte) error {
	packet, err := codec.ParseOutbound(payload)
	if err != nil {
		return err
	}

	data := map[string]string{
		"enc_key":     packet.Data.EncKey,
		"enc_message": packet.Data.EncMessage,
	}
	if packet.Data.Signature != "" {
		data["signature"] = packet.Data.Signature
	}

	msg := &messaging.Message{
		Token: packet.To,
		Data:  data,
	}
	if packet.Android != nil {
		msg.Android = &messaging.AndroidConfig{Priority: packet.Android.Priority}
	}

	name, err := s.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			s.log.Warn("Recipient registration token is no longer valid", zap.String("message_id", packet.MessageID))
		}
		return apperrors.TransportError("fcm http send", err)
	}
	s.log.Debug("Sent downstream message", zap.String("message_id", packet.MessageID), zap.String("name", name))
	return nil
}
