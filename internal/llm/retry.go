package llm

import (
	"context"

	"ami/internal/errors"
	"ami/internal/logging"
)

// retryClient wraps a provider with bounded retry for transient failures.
// Exhaustion surfaces as a PROVIDER-kinded error so the agent loop treats it
// as fatal for the step.
type retryClient struct {
	underlying Client
	config     errors.RetryConfig
	logger     logging.Logger
}

// WrapWithRetry wraps client with the daemon's provider retry policy.
func WrapWithRetry(client Client, config errors.RetryConfig) Client {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	}, c.logger)
	if err != nil {
		if errors.KindOf(err) == errors.KindCancelled {
			return nil, err
		}
		c.logger.Warn("provider call failed after retries: %v", err)
		return nil, errors.Wrap(errors.KindProvider, err)
	}
	return resp, nil
}

// NewClient builds a provider client by name and wraps it with retry.
func NewClient(provider, model string, config Config) (Client, error) {
	var (
		client Client
		err    error
	)
	switch provider {
	case "openai":
		client, err = NewOpenAIClient(model, config)
	default:
		client, err = NewAnthropicClient(model, config)
	}
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(client, errors.DefaultRetryConfig()), nil
}
