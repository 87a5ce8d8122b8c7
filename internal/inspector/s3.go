package inspector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cloudsentry/api/internal/model"
)

const (
	s3StepList    = 0
	s3StepResolve = 1

	resourceTypeBucket = "s3:bucket"
)

// S3API is the subset of the S3 client the inventory inspector uses
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
}

// S3ClientFactory builds an S3 client acting with a job's temporary credentials
type S3ClientFactory func(ctx context.Context, creds *model.Credentials) (S3API, error)

// NewS3ClientFactory returns a factory creating real S3 clients in region.
func NewS3ClientFactory(region string) S3ClientFactory {
	return func(ctx context.Context, creds *model.Credentials) (S3API, error) {
		if creds == nil {
			return nil, fmt.Errorf("no credentials for S3 client")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				creds.SessionToken,
			)),
			awsconfig.WithRegion(region),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return s3.NewFromConfig(awsCfg), nil
	}
}

// S3Inventory lists the account's buckets and resolves the region of each.
// When the job targets a single item, only the bucket with that name is inspected.
type S3Inventory struct {
	newClient S3ClientFactory

	mu      sync.Mutex
	partial []model.ItemResult
}

func NewS3Inventory(newClient S3ClientFactory) *S3Inventory {
	return &S3Inventory{newClient: newClient}
}

func (i *S3Inventory) Execute(ctx context.Context, req Request, report ProgressFunc) ([]model.ItemResult, error) {
	client, err := i.newClient(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	out, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	buckets := out.Buckets
	if req.ItemID != "" && req.ItemID != model.AllItems {
		buckets = nil
		for _, b := range out.Buckets {
			if aws.ToString(b.Name) == req.ItemID {
				buckets = append(buckets, b)
			}
		}
		if len(buckets) == 0 {
			return nil, fmt.Errorf("bucket %s not found", req.ItemID)
		}
	}
	report(Progress{Step: s3StepList, Fraction: 1})

	for n, bucket := range buckets {
		name := aws.ToString(bucket.Name)
		loc, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: bucket.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve location of bucket %s: %w", name, err)
		}

		region := string(loc.LocationConstraint)
		if region == "" {
			region = "us-east-1"
		}

		details := map[string]interface{}{}
		if bucket.CreationDate != nil {
			details["creationDate"] = bucket.CreationDate.UTC().Format(time.RFC3339)
		}

		i.mu.Lock()
		i.partial = append(i.partial, model.ItemResult{
			ResourceID:   name,
			ResourceType: resourceTypeBucket,
			Region:       region,
			Status:       "inventoried",
			Details:      details,
			InspectedAt:  time.Now(),
		})
		i.mu.Unlock()

		report(Progress{
			Step:      s3StepResolve,
			Fraction:  float64(n+1) / float64(len(buckets)),
			Resources: n + 1,
		})
	}

	return i.PartialResults(), nil
}

func (i *S3Inventory) PartialResults() []model.ItemResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]model.ItemResult, len(i.partial))
	copy(out, i.partial)
	return out
}
