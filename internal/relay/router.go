package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"e2ee-relay/internal/codec"
	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/constants"
	"e2ee-relay/pkg/metrics"
)

// maxLoggedPacket bounds how much of a malformed packet is logged
const maxLoggedPacket = 512

// EncryptedMessageHandler handles upstream application packets
type EncryptedMessageHandler interface {
	HandleEncryptedMessage(ctx context.Context, packet *domain.InboundPacket) error
}

// Router classifies inbound packets by message_type
type Router struct {
	handler    EncryptedMessageHandler
	onDraining func()
	log        *zap.Logger
}

// NewRouter creates a router delivering upstream packets to handler
func NewRouter(handler EncryptedMessageHandler, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{handler: handler, log: log}
}

// SetDrainingHook registers fn to be called when the backbone announces
// that the connection is draining
func (r *Router) SetDrainingHook(fn func()) {
	r.onDraining = fn
}

// ProcessPacket parses raw and routes it. It never panics on bad input.
func (r *Router) ProcessPacket(ctx context.Context, raw []byte) {
	start := time.Now()
	defer func() {
		metrics.RelayPacketDuration.Observe(time.Since(start).Seconds())
	}()

	packet, err := codec.ParseInbound(raw)
	if err != nil {
		metrics.RelayPacketsMalformedTotal.Inc()
		r.log.Warn("Dropping malformed packet", zap.Error(err), zap.ByteString("packet", truncate(raw)))
		return
	}

	log := r.log.With(zap.String("message_id", packet.MessageID))
	switch packet.MessageType {
	case "":
		metrics.RelayPacketsReceivedTotal.WithLabelValues("upstream").Inc()
		if packet.InvalidTimeToLive {
			log.Warn("Ignoring unusable time_to_live", zap.String("from", packet.From))
		}
		_ = r.handler.HandleEncryptedMessage(ctx, packet)
	case constants.MessageTypeAck:
		metrics.RelayPacketsReceivedTotal.WithLabelValues(packet.MessageType).Inc()
		log.Debug("Received ack", zap.String("from", packet.From))
	case constants.MessageTypeNack:
		metrics.RelayPacketsReceivedTotal.WithLabelValues(packet.MessageType).Inc()
		log.Warn("Received nack",
			zap.String("from", packet.From),
			zap.String("error", packet.Error),
			zap.String("error_description", packet.ErrorDescription))
	case constants.MessageTypeReceipt:
		metrics.RelayPacketsReceivedTotal.WithLabelValues(packet.MessageType).Inc()
		log.Info("Received delivery receipt", zap.String("category", packet.Category))
	case constants.MessageTypeControl:
		metrics.RelayPacketsReceivedTotal.WithLabelValues(packet.MessageType).Inc()
		log.Info("Received control message", zap.String("control_type", packet.ControlType))
		if packet.ControlType == constants.ControlTypeDraining && r.onDraining != nil {
			r.onDraining()
		}
	default:
		metrics.RelayPacketsReceivedTotal.WithLabelValues("other").Inc()
		log.Warn("Received packet with unsupported message_type", zap.String("message_type", packet.MessageType))
	}
}

func truncate(raw []byte) []byte {
	if len(raw) > maxLoggedPacket {
		return raw[:maxLoggedPacket]
	}
	return raw
}
