package inspector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsentry/api/internal/model"
)

type fakeS3 struct {
	buckets   []string
	locations map[string]string
	failOn    string
}

func (f *fakeS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	out := &s3.ListBucketsOutput{}
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, name := range f.buckets {
		out.Buckets = append(out.Buckets, types.Bucket{Name: aws.String(name), CreationDate: aws.Time(created)})
	}
	return out, nil
}

func (f *fakeS3) GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	name := aws.ToString(params.Bucket)
	if name == f.failOn {
		return nil, errors.New("AccessDenied")
	}
	return &s3.GetBucketLocationOutput{LocationConstraint: types.BucketLocationConstraint(f.locations[name])}, nil
}

func fakeFactory(api S3API) S3ClientFactory {
	return func(context.Context, *model.Credentials) (S3API, error) { return api, nil }
}

func TestS3Inventory_AllBuckets(t *testing.T) {
	api := &fakeS3{
		buckets:   []string{"logs", "assets"},
		locations: map[string]string{"assets": "eu-west-1"},
	}
	insp := NewS3Inventory(fakeFactory(api))

	var reports []Progress
	results, err := insp.Execute(context.Background(), Request{ItemID: model.AllItems}, func(p Progress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "logs", results[0].ResourceID)
	assert.Equal(t, "us-east-1", results[0].Region)
	assert.Equal(t, "eu-west-1", results[1].Region)
	assert.Equal(t, "2024-01-02T03:04:05Z", results[1].Details["creationDate"])

	assert.Equal(t, []Progress{
		{Step: 0, Fraction: 1},
		{Step: 1, Fraction: 0.5, Resources: 1},
		{Step: 1, Fraction: 1, Resources: 2},
	}, reports)
}

func TestS3Inventory_SingleItem(t *testing.T) {
	insp := NewS3Inventory(fakeFactory(&fakeS3{buckets: []string{"logs", "assets"}}))

	results, err := insp.Execute(context.Background(), Request{ItemID: "assets"}, func(Progress) {})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "assets", results[0].ResourceID)

	_, err = NewS3Inventory(fakeFactory(&fakeS3{})).Execute(context.Background(), Request{ItemID: "missing"}, func(Progress) {})
	assert.ErrorContains(t, err, "bucket missing not found")
}

func TestS3Inventory_KeepsPartialResults(t *testing.T) {
	api := &fakeS3{buckets: []string{"a", "b", "c"}, failOn: "c"}
	insp := NewS3Inventory(fakeFactory(api))

	_, err := insp.Execute(context.Background(), Request{ItemID: model.AllItems}, func(Progress) {})
	require.Error(t, err)

	partial := insp.PartialResults()
	require.Len(t, partial, 2)
	assert.Equal(t, "a", partial[0].ResourceID)
	assert.Equal(t, "b", partial[1].ResourceID)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(model.ServiceTypeSimulated, func() Inspector { return NewSimulated(1, 0) })

	a, ok := r.GetInspector(model.ServiceTypeSimulated)
	require.True(t, ok)
	b, _ := r.GetInspector(model.ServiceTypeSimulated)
	assert.NotSame(t, a, b, "each job gets its own inspector")

	_, ok = r.GetInspector("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{model.ServiceTypeSimulated}, r.ServiceTypes())
}

func TestSimulated(t *testing.T) {
	t.Run("reports fractional progress", func(t *testing.T) {
		var last Progress
		results, err := NewSimulated(4, 0).Execute(context.Background(), Request{ItemID: "x"}, func(p Progress) { last = p })
		require.NoError(t, err)
		assert.Len(t, results, 4)
		assert.Equal(t, Progress{Fraction: 1, Resources: 4}, last)
	})

	t.Run("fails with partial results", func(t *testing.T) {
		sim := NewSimulated(4, 0)
		sim.FailAfter = 2
		_, err := sim.Execute(context.Background(), Request{ItemID: "x"}, func(Progress) {})
		require.Error(t, err)
		assert.Len(t, sim.PartialResults(), 2)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewSimulated(4, time.Second).Execute(ctx, Request{}, func(Progress) {})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
