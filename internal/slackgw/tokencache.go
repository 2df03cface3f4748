package slackgw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"sonar/internal/logging"
)

// Tokens are the Slack credentials the gateway runs with.
type Tokens struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// TokenSource produces current Slack credentials. Implementations are read
// concurrently by all conversations; a bounded stale window is acceptable.
type TokenSource interface {
	Tokens(ctx context.Context) (Tokens, error)
}

// StaticTokens serves fixed credentials from configuration.
type StaticTokens struct {
	BotToken string
	AppToken string
}

func (s StaticTokens) Tokens(context.Context) (Tokens, error) {
	if s.BotToken == "" || s.AppToken == "" {
		return Tokens{}, fmt.Errorf("static slack tokens not configured")
	}
	return Tokens{BotToken: s.BotToken, AppToken: s.AppToken}, nil
}

const tokenCacheKey = "slack"

// SecretsManagerSource fetches credentials from AWS Secrets Manager and
// caches them with a TTL, so rotation propagates within one TTL window
// without a fetch per conversation.
type SecretsManagerSource struct {
	client    *secretsmanager.Client
	secretARN string
	cache     *expirable.LRU[string, Tokens]
	logger    logging.Logger
}

func NewSecretsManagerSource(client *secretsmanager.Client, secretARN string, ttl time.Duration, logger logging.Logger) *SecretsManagerSource {
	return &SecretsManagerSource{
		client:    client,
		secretARN: secretARN,
		cache:     expirable.NewLRU[string, Tokens](1, nil, ttl),
		logger:    logging.OrNop(logger),
	}
}

func (s *SecretsManagerSource) Tokens(ctx context.Context) (Tokens, error) {
	if tokens, ok := s.cache.Get(tokenCacheKey); ok {
		return tokens, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretARN),
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("fetch slack secret: %w", err)
	}
	if out.SecretString == nil {
		return Tokens{}, fmt.Errorf("slack secret %s has no string payload", s.secretARN)
	}

	var tokens Tokens
	if err := json.Unmarshal([]byte(*out.SecretString), &tokens); err != nil {
		return Tokens{}, fmt.Errorf("parse slack secret: %w", err)
	}
	if tokens.BotToken == "" || tokens.AppToken == "" {
		return Tokens{}, fmt.Errorf("slack secret %s missing bot_token or app_token", s.secretARN)
	}

	s.cache.Add(tokenCacheKey, tokens)
	s.logger.Debug("slack tokens refreshed from secrets manager")
	return tokens, nil
}
