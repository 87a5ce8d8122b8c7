package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsentry/api/internal/config"
)

type fakeSTS struct {
	err   error
	input *sts.AssumeRoleInput
}

func (f *fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sts.AssumeRoleOutput{Credentials: &types.Credentials{
		AccessKeyId:     aws.String("ASIA123"),
		SecretAccessKey: aws.String("secret"),
		SessionToken:    aws.String("token"),
		Expiration:      aws.Time(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)),
	}}, nil
}

func testAWSConfig() *config.AWSConfig {
	return &config.AWSConfig{Region: "us-east-1", SessionDuration: 900, ExternalID: "ext-1", STSRatePerSec: 100, STSBurst: 10}
}

func TestSTSCredentialProvider_AssumeRole(t *testing.T) {
	api := &fakeSTS{}
	p := NewSTSCredentialProviderWithAPI(api, testAWSConfig())

	creds, err := p.AssumeRole(context.Background(), "arn:aws:iam::1:role/r", "inspection-job-1")
	require.NoError(t, err)
	assert.Equal(t, "ASIA123", creds.AccessKeyID)
	assert.Equal(t, "token", creds.SessionToken)
	assert.Equal(t, 2030, creds.Expiry.Year())

	assert.Equal(t, "inspection-job-1", aws.ToString(api.input.RoleSessionName))
	assert.Equal(t, int32(900), aws.ToInt32(api.input.DurationSeconds))
	assert.Equal(t, "ext-1", aws.ToString(api.input.ExternalId))
}

func TestSTSCredentialProvider_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind CredentialErrorKind
		msg  string
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}, CredentialAccessDenied, "access denied"},
		{"invalid parameter", &smithy.GenericAPIError{Code: "ValidationError", Message: "roleArn is malformed"}, CredentialInvalidParameter, "roleArn is malformed"},
		{"other api error", &smithy.GenericAPIError{Code: "RegionDisabledException", Message: "region off"}, CredentialOther, "failed to assume role"},
		{"network", errors.New("dial tcp: timeout"), CredentialOther, "dial tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewSTSCredentialProviderWithAPI(&fakeSTS{err: tt.err}, testAWSConfig())
			_, err := p.AssumeRole(context.Background(), "arn:aws:iam::1:role/r", "s")

			var credErr *CredentialError
			require.ErrorAs(t, err, &credErr)
			assert.Equal(t, tt.kind, credErr.Kind)
			assert.Contains(t, credErr.Error(), tt.msg)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSTSCredentialProvider_RateLimitHonorsContext(t *testing.T) {
	cfg := testAWSConfig()
	cfg.STSRatePerSec = 0.001
	cfg.STSBurst = 1
	p := NewSTSCredentialProviderWithAPI(&fakeSTS{}, cfg)

	_, err := p.AssumeRole(context.Background(), "arn", "s")
	require.NoError(t, err, "first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.AssumeRole(ctx, "arn", "s")

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, CredentialOther, credErr.Kind)
}

func TestStaticCredentialProvider(t *testing.T) {
	p := &StaticCredentialProvider{AccessKeyID: "dev", SecretAccessKey: "dev-secret"}

	creds, err := p.AssumeRole(context.Background(), "arn:aws:iam::1:role/r", "inspection-job-1")
	require.NoError(t, err)
	assert.Equal(t, "dev", creds.AccessKeyID)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), creds.Expiry, time.Minute)

	_, err = p.AssumeRole(context.Background(), "", "inspection-job-1")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, CredentialInvalidParameter, credErr.Kind)
}
