// Package xmpp connects to the FCM Cloud Connection Server over XMPP.
package xmpp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goxmpp "github.com/xmppo/go-xmpp"
	"go.uber.org/zap"

	"e2ee-relay/internal/codec"
	"e2ee-relay/pkg/constants"
	apperrors "e2ee-relay/pkg/errors"
	"e2ee-relay/pkg/metrics"
)

const transportName = "xmpp"

// ErrNotConnected is returned when sending without a live session
var ErrNotConnected = errors.New("xmpp: not connected")

// Config holds CCS connection settings
type Config struct {
	Host      string
	Port      int
	SenderID  string
	ServerKey string
	Debug     bool
}

// session is the part of *goxmpp.Client the relay uses
type session interface {
	Recv() (any, error)
	SendOrg(org string) (int, error)
	Close() error
}

// Client is a CCS connection with automatic reconnect. Writes are
// serialized; at most one session is used for sending at a time.
type Client struct {
	cfg  Config
	log  *zap.Logger
	dial func() (session, error)

	mu      sync.Mutex
	sess    session              // used for writes
	live    map[session]struct{} // every session still being read, including draining ones
	handler func([]byte)

	ctx          context.Context
	cancel       context.CancelFunc
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// NewClient creates an unconnected client
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = constants.FCMXMPPHost
	}
	if cfg.Port == 0 {
		cfg.Port = constants.FCMXMPPPort
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{cfg: cfg, log: log, live: make(map[session]struct{})}
	c.dial = c.dialCCS
	return c
}

func (c *Client) dialCCS() (session, error) {
	opts := goxmpp.Options{
		Host:     net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		User:     c.cfg.SenderID + "@" + constants.FCMAuthDomain,
		Password: c.cfg.ServerKey,
		TLSConfig: &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
		Debug:   c.cfg.Debug,
		Session: false,
	}
	cl, err := opts.NewClient()
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// OnPacketReceived registers the callback invoked once per gcm payload
func (c *Client) OnPacketReceived(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect opens the first session and starts reading. Later connection
// losses are retried in the background until Close or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	sess, err := c.dial()
	if err != nil {
		c.cancel()
		metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "failed").Inc()
		return apperrors.TransportError("connect to CCS", err)
	}
	if !c.install(sess) {
		return apperrors.TransportError("connect to CCS", context.Canceled)
	}
	c.log.Info("Connected to FCM CCS",
		zap.String("host", c.cfg.Host),
		zap.Int("port", c.cfg.Port))
	return nil
}

// install makes sess the sending session and starts its reader. It refuses
// once Close has begun.
func (c *Client) install(sess session) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = sess.Close()
		return false
	}
	c.sess = sess
	c.live[sess] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()
	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "connected").Inc()

	go c.readLoop(sess)
	return true
}

func (c *Client) current(sess session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess
}

func (c *Client) readLoop(sess session) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.live, sess)
		c.mu.Unlock()
	}()
	for {
		stanza, err := sess.Recv()
		if err != nil {
			_ = sess.Close()
			if c.ctx.Err() != nil || !c.current(sess) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.log.Warn("CCS closed the connection, reconnecting")
			} else {
				c.log.Warn("CCS connection lost, reconnecting", zap.Error(err))
			}
			c.reconnect()
			return
		}

		chat, ok := stanza.(goxmpp.Chat)
		if !ok {
			continue
		}
		for _, elem := range chat.OtherElem {
			payload, ok := gcmPayload(elem)
			if !ok {
				continue
			}
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(payload)
			}
		}
	}
}

// reconnect dials with exponential backoff until it succeeds or the client
// is closed. Concurrent callers collapse into one attempt.
func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "reconnect").Inc()
	backoff := constants.ReconnectInitialBackoff
	for {
		sess, err := c.dial()
		if err == nil {
			if c.install(sess) {
				c.log.Info("Reconnected to FCM CCS")
			}
			return
		}

		c.log.Error("CCS reconnect failed", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > constants.ReconnectMaxBackoff {
			backoff = constants.ReconnectMaxBackoff
		}
	}
}

// Drain opens a replacement session. The draining session keeps delivering
// inbound packets until CCS closes it, but new writes go to the replacement.
func (c *Client) Drain() {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "draining").Inc()
	c.log.Info("CCS connection draining, opening a new connection")
	go c.reconnect()
}

// SendJSON sends payload wrapped in a gcm stanza
func (c *Client) SendJSON(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stanza, err := encodeStanza(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNotConnected
	}
	if _, err := c.sess.SendOrg(stanza); err != nil {
		return fmt.Errorf("xmpp send: %w", err)
	}
	return nil
}

// SendAck acknowledges an upstream packet
func (c *Client) SendAck(ctx context.Context, from, messageID string) error {
	payload, err := codec.EncodeAck(from, messageID)
	if err != nil {
		return err
	}
	return c.SendJSON(ctx, payload)
}

// Close stops reconnecting and closes every open session
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	sessions := make([]session, 0, len(c.live))
	for sess := range c.live {
		sessions = append(sessions, sess)
	}
	c.sess = nil
	c.mu.Unlock()

	var err error
	for _, sess := range sessions {
		err = errors.Join(err, sess.Close())
	}
	c.wg.Wait()
	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "closed").Inc()
	return err
}

// gcmPayload extracts the JSON text of a <gcm xmlns="google:mobile:data"> element
func gcmPayload(elem goxmpp.XMLElement) ([]byte, bool) {
	if elem.XMLName.Local != constants.FCMElementName {
		return nil, false
	}
	if elem.XMLName.Space != "" && elem.XMLName.Space != constants.FCMNamespace {
		return nil, false
	}

	var text bytes.Buffer
	dec := xml.NewDecoder(strings.NewReader(elem.InnerXML))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false
		}
		if cd, ok := tok.(xml.CharData); ok {
			text.Write(cd)
		}
	}
	payload := bytes.TrimSpace(text.Bytes())
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

// encodeStanza wraps payload in the CCS message framing
func encodeStanza(payload []byte) (string, error) {
	var b strings.Builder
	b.WriteString(`<message id=""><gcm xmlns="`)
	b.WriteString(constants.FCMNamespace)
	b.WriteString(`">`)
	if err := xml.EscapeText(&b, payload); err != nil {
		return "", err
	}
	b.WriteString(`</gcm></message>`)
	return b.String(), nil
}
