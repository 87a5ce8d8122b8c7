package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/cloudsentry/api/internal/config"
	"github.com/cloudsentry/api/internal/model"
)

// CredentialErrorKind classifies why credentials could not be issued
type CredentialErrorKind string

const (
	CredentialAccessDenied     CredentialErrorKind = "access_denied"
	CredentialInvalidParameter CredentialErrorKind = "invalid_parameter"
	CredentialOther            CredentialErrorKind = "other"
)

// CredentialError is a classified AssumeRole failure with a message fit for end users
type CredentialError struct {
	Kind    CredentialErrorKind
	Message string
	Err     error
}

func (e *CredentialError) Error() string { return e.Message }
func (e *CredentialError) Unwrap() error { return e.Err }

// STSAPI is the subset of the STS client used to assume customer roles
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSCredentialProvider assumes customer roles, throttled to stay under STS quotas
type STSCredentialProvider struct {
	api        STSAPI
	limiter    *rate.Limiter
	duration   int32
	externalID string
}

// NewSTSCredentialProvider creates a provider using the default AWS credential chain
func NewSTSCredentialProvider(cfg *config.AWSConfig) (*STSCredentialProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSTSCredentialProviderWithAPI(sts.NewFromConfig(awsCfg), cfg), nil
}

// NewSTSCredentialProviderWithAPI creates a provider on top of an existing STS client
func NewSTSCredentialProviderWithAPI(api STSAPI, cfg *config.AWSConfig) *STSCredentialProvider {
	limit := rate.Inf
	if cfg.STSRatePerSec > 0 {
		limit = rate.Limit(cfg.STSRatePerSec)
	}
	burst := cfg.STSBurst
	if burst < 1 {
		burst = 1
	}
	return &STSCredentialProvider{
		api:        api,
		limiter:    rate.NewLimiter(limit, burst),
		duration:   int32(cfg.SessionDuration),
		externalID: cfg.ExternalID,
	}
}

// AssumeRole issues temporary credentials for roleArn
func (p *STSCredentialProvider) AssumeRole(ctx context.Context, roleArn, sessionLabel string) (*model.Credentials, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &CredentialError{Kind: CredentialOther, Message: "credential request was cancelled", Err: err}
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(sessionLabel),
	}
	if p.duration > 0 {
		input.DurationSeconds = aws.Int32(p.duration)
	}
	if p.externalID != "" {
		input.ExternalId = aws.String(p.externalID)
	}

	out, err := p.api.AssumeRole(ctx, input)
	if err != nil {
		return nil, classifyAssumeRoleError(roleArn, err)
	}
	if out.Credentials == nil {
		return nil, &CredentialError{Kind: CredentialOther, Message: fmt.Sprintf("no credentials returned for role %s", roleArn)}
	}

	return &model.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiry:          aws.ToTime(out.Credentials.Expiration),
	}, nil
}

func classifyAssumeRoleError(roleArn string, err error) *CredentialError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException":
			return &CredentialError{
				Kind:    CredentialAccessDenied,
				Message: fmt.Sprintf("access denied assuming role %s: check the role trust policy and external id", roleArn),
				Err:     err,
			}
		case "ValidationError", "InvalidParameterValue", "InvalidParameter", "MalformedPolicyDocument":
			return &CredentialError{
				Kind:    CredentialInvalidParameter,
				Message: fmt.Sprintf("invalid parameter assuming role %s: %s", roleArn, apiErr.ErrorMessage()),
				Err:     err,
			}
		}
	}
	return &CredentialError{
		Kind:    CredentialOther,
		Message: fmt.Sprintf("failed to assume role %s: %v", roleArn, err),
		Err:     err,
	}
}
