// Package relay wires a push backbone connection to the packet router
// through a bounded worker pool.
package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ConnectionClient is a connection to the push backbone. Implementations
// serialize their own writes and are safe for concurrent use.
type ConnectionClient interface {
	Connect(ctx context.Context) error
	SendJSON(ctx context.Context, payload []byte) error
	SendAck(ctx context.Context, from, messageID string) error
	OnPacketReceived(handler func(raw []byte))
	Close() error
}

// Drainer is implemented by connections that can migrate to a fresh
// connection when the backbone announces CONNECTION_DRAINING
type Drainer interface {
	Drain()
}

// DownstreamSender sends downstream packets without carrying upstream traffic
type DownstreamSender interface {
	SendJSON(ctx context.Context, payload []byte) error
}

// SplitClient receives upstream packets and sends acks on one connection
// while downstream packets go out through a separate sender
type SplitClient struct {
	ConnectionClient
	Downstream DownstreamSender
}

// SendJSON sends payload through the downstream sender
func (s *SplitClient) SendJSON(ctx context.Context, payload []byte) error {
	return s.Downstream.SendJSON(ctx, payload)
}

// Drain forwards to the upstream connection when it supports draining
func (s *SplitClient) Drain() {
	if d, ok := s.ConnectionClient.(Drainer); ok {
		d.Drain()
	}
}

// Relay owns the connection lifecycle
type Relay struct {
	conn   ConnectionClient
	router *Router
	pool   *Pool
	log    *zap.Logger
}

// New creates a relay. The pool must have been created with the router's
// ProcessPacket as its handler.
func New(conn ConnectionClient, router *Router, pool *Pool, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if d, ok := conn.(Drainer); ok {
		router.SetDrainingHook(d.Drain)
	}
	return &Relay{conn: conn, router: router, pool: pool, log: log}
}

// Run starts the workers, connects and blocks until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.pool.Start(ctx)
	r.conn.OnPacketReceived(func(raw []byte) {
		if err := r.pool.Submit(ctx, raw); err != nil {
			r.log.Warn("Dropping inbound packet", zap.Error(err))
		}
	})

	// The connection outlives ctx; Shutdown closes it after the pool drains.
	if err := r.conn.Connect(context.WithoutCancel(ctx)); err != nil {
		r.pool.Stop()
		return fmt.Errorf("connect to push backbone: %w", err)
	}
	r.log.Info("Relay running")

	<-ctx.Done()
	return nil
}

// Shutdown drains queued packets while the connection can still carry their
// responses, then closes it. Packets arriving meanwhile are not acked and
// will be redelivered by the backbone.
func (r *Relay) Shutdown() error {
	r.pool.Stop()
	return r.conn.Close()
}
