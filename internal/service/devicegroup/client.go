// Package devicegroup creates FCM device groups over the legacy HTTP API.
package devicegroup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"e2ee-relay/pkg/constants"
	apperrors "e2ee-relay/pkg/errors"
	"e2ee-relay/pkg/metrics"
	"e2ee-relay/pkg/resilience"
)

// Config holds the device group endpoint and credentials
type Config struct {
	URL       string
	ServerKey string
	SenderID  string
}

// Client issues device group operations. Create is not idempotent, so calls
// are never retried; repeated failures open the circuit breaker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	log        *zap.Logger
}

type createRequest struct {
	Operation           string   `json:"operation"`
	NotificationKeyName string   `json:"notification_key_name"`
	RegistrationIDs     []string `json:"registration_ids"`
}

type createResponse struct {
	NotificationKey string `json:"notification_key"`
	Error           string `json:"error"`
}

// NewClient creates a device group client. A nil httpClient uses a client
// with the default relay timeout.
func NewClient(cfg Config, httpClient *http.Client, breaker *resilience.CircuitBreaker, log *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = constants.FCMDeviceGroupURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultTimeout}
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("fcm_device_group", resilience.DefaultConfig())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    breaker,
		log:        log,
	}
}

// MaybeCreateGroup creates a device group named groupID containing the given
// notification addresses and returns its notification_key.
func (c *Client) MaybeCreateGroup(ctx context.Context, groupID string, notificationAddresses []string) (string, error) {
	var token string
	err := c.breaker.Execute(ctx, "create", func(ctx context.Context) error {
		var err error
		token, err = c.create(ctx, groupID, notificationAddresses)
		return err
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.RelayDeviceGroupRequestsTotal.WithLabelValues("circuit_open").Inc()
		c.log.Warn("Device group API unavailable, circuit breaker open", zap.String("group_id", groupID))
		return "", apperrors.ExternalDependencyError("device group", err)
	case err != nil:
		metrics.RelayDeviceGroupRequestsTotal.WithLabelValues("failure").Inc()
		c.log.Error("Device group creation failed", zap.String("group_id", groupID), zap.Error(err))
		if apperrors.IsAppError(err) {
			return "", err
		}
		return "", apperrors.ExternalDependencyError("device group", err)
	}

	metrics.RelayDeviceGroupRequestsTotal.WithLabelValues("success").Inc()
	c.log.Info("Device group created",
		zap.String("group_id", groupID),
		zap.Int("registrations", len(notificationAddresses)))
	return token, nil
}

func (c *Client) create(ctx context.Context, groupID string, addrs []string) (string, error) {
	if addrs == nil {
		addrs = []string{}
	}
	body, err := json.Marshal(createRequest{
		Operation:           "create",
		NotificationKeyName: groupID,
		RegistrationIDs:     addrs,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.cfg.ServerKey)
	req.Header.Set("project_id", c.cfg.SenderID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("device group request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read device group response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.ExternalDependencyError("device group",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	}

	var out createResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", apperrors.ExternalDependencyError("device group", fmt.Errorf("decode response: %w", err))
	}
	if out.NotificationKey == "" {
		return "", apperrors.ExternalDependencyError("device group",
			fmt.Errorf("response has no notification_key (error %q)", out.Error))
	}
	return out.NotificationKey, nil
}
