package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/retry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// Client wraps the Zeebe gRPC client with classified retries.
type Client struct {
	zb       zbc.Client
	executor *retry.Executor
	timeout  time.Duration
	logger   logger.Logger
}

var defaultRetry = retry.Config{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
}

// NewClient dials the gateway and checks the topology before returning.
func NewClient(ctx context.Context, cfg config.CamundaConfig, log logger.Logger) (*Client, error) {
	zb, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: !cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	c := newClient(zb, config.GetDuration(cfg.RequestTimeout), retry.NewExecutor(defaultRetry, log), log)
	if err := c.HealthCheck(ctx); err != nil {
		_ = zb.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", cfg.BrokerAddress, err)
	}
	return c, nil
}

func newClient(zb zbc.Client, timeout time.Duration, executor *retry.Executor, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		zb:       zb,
		executor: executor,
		timeout:  timeout,
		logger:   log.WithFields(map[string]interface{}{"component": "zeebe"}),
	}
}

// Zeebe exposes the raw client for job worker registration.
func (c *Client) Zeebe() zbc.Client {
	return c.zb
}

func (c *Client) Close() error {
	return c.zb.Close()
}

// ExecuteWithRetry runs a Zeebe command, retrying only transient gateway
// failures, and maps the final error onto the StandardError taxonomy.
func (c *Client) ExecuteWithRetry(ctx context.Context, command func(context.Context) error, operation string) error {
	out := c.executor.Execute(ctx, func(ctx context.Context, attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return command(ctx)
	}, isRetryableZeebeError)
	if out.Success {
		return nil
	}

	c.logger.Warn("zeebe operation failed", map[string]interface{}{
		"operation": operation,
		"attempts":  out.Attempts,
		"error":     out.Err.Error(),
	})
	return mapZeebeError(out.Err, operation, out.Attempts)
}

// HealthCheck asks the gateway for its topology.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.zb.NewTopologyCommand().Send(ctx)
		return err
	}, "topology")
}

var retryablePhrases = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"unavailable",
	"unreachable",
	"broken pipe",
}

func isRetryableZeebeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func mapZeebeError(err error, operation string, attempts int) error {
	wrapped := fmt.Errorf("zeebe operation '%s' failed after %d attempt(s): %w", operation, attempts, err)
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return apperrors.NewNetworkTimeoutError("zeebe", wrapped)
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe"):
		return apperrors.NewConnectionResetError("zeebe", wrapped)
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "unreachable"):
		return apperrors.NewConnectionRefusedError("zeebe", wrapped)
	default:
		return apperrors.NewInternalError(wrapped)
	}
}
