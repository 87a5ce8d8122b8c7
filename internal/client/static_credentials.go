package client

import (
	"context"
	"time"

	"github.com/cloudsentry/api/internal/model"
)

// StaticCredentialProvider hands out fixed credentials. It backs simulated
// inspections in development, where no role is actually assumed.
type StaticCredentialProvider struct {
	AccessKeyID     string
	SecretAccessKey string
	TTL             time.Duration
}

func (p *StaticCredentialProvider) AssumeRole(ctx context.Context, roleArn, sessionLabel string) (*model.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if roleArn == "" {
		return nil, &CredentialError{Kind: CredentialInvalidParameter, Message: "role ARN is required"}
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &model.Credentials{
		AccessKeyID:     p.AccessKeyID,
		SecretAccessKey: p.SecretAccessKey,
		SessionToken:    sessionLabel,
		Expiry:          time.Now().Add(ttl),
	}, nil
}
