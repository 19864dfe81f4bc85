// Package s3repo runs bucket-backed repository operations from the
// controller itself. Unlike backups and restores, initializing a bucket
// repository and listing its snapshots need no agent filesystem: the
// controller verifies (or creates) the bucket through the AWS API, runs the
// backup tool against it directly, and feeds the result through the same
// response handlers that consume agent traffic.
package s3repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/restic"
	"github.com/bhive-io/bhive/internal/wire"
)

// Request carries the credentials and target for one bucket operation.
type Request struct {
	Org             string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Bucket          string
	Password        string
}

func (r Request) validate() error {
	if r.AccessKeyID == "" || r.SecretAccessKey == "" || r.Region == "" || r.Bucket == "" || r.Password == "" {
		return errors.New("s3repo: missing essential initialization data")
	}
	return nil
}

// repoURL is the tool's repository locator for the bucket.
func (r Request) repoURL() string {
	return fmt.Sprintf("s3:s3.%s.amazonaws.com/%s", r.Region, r.Bucket)
}

func (r Request) toolEnv() map[string]string {
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     r.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": r.SecretAccessKey,
		"AWS_SESSION_TOKEN":     r.SessionToken,
		"RESTIC_REPOSITORY":     r.repoURL(),
		"RESTIC_PASSWORD":       r.Password,
	}
}

// bucketAPI is the slice of the S3 client the service uses.
type bucketAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Service executes bucket repository operations.
type Service struct {
	tool      *restic.Tool
	responses *wire.ResponseRegistry
	logger    *zap.Logger

	// newClient builds a bucket client for a request. Overridable in tests.
	newClient func(ctx context.Context, req Request) (bucketAPI, error)
}

// New creates a Service that reports results through the given response
// registry.
func New(tool *restic.Tool, responses *wire.ResponseRegistry, logger *zap.Logger) *Service {
	return &Service{
		tool:      tool,
		responses: responses,
		logger:    logger.Named("s3repo"),
		newClient: newS3Client,
	}
}

func newS3Client(ctx context.Context, req Request) (bucketAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(req.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			req.AccessKeyID, req.SecretAccessKey, req.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3repo: failed to build AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// InitRepo ensures the bucket exists (creating it if needed) and
// initializes the repository inside it. Re-initializing an existing
// repository is the already-initialized outcome, not an error.
func (s *Service) InitRepo(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	client, err := s.newClient(ctx, req)
	if err != nil {
		return "", err
	}

	exists, err := s.bucketExists(ctx, client, req.Bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		s.logger.Info("creating bucket", zap.String("bucket", req.Bucket), zap.String("region", req.Region))
		if err := createBucket(ctx, client, req.Bucket, req.Region); err != nil {
			return "", err
		}
	}

	out, err := s.tool.Run(ctx, []string{"init", "--json"}, restic.RunOptions{Env: req.toolEnv()})
	if err != nil {
		return "", err
	}
	if out.AlreadyInitialized {
		s.logger.Info("repository already initialized", zap.String("s3_url", req.repoURL()))
		return fmt.Sprintf("Repository at %s already initialized.", req.repoURL()), nil
	}
	if out.FirstJSON == nil {
		return "", fmt.Errorf("s3repo: init produced no JSON output for %s", req.repoURL())
	}

	s.report(ctx, req.Org, map[string]any{
		"type":    wire.TypeRespInitS3Repo,
		"s3_url":  req.repoURL(),
		"summary": out.FirstJSON,
	})
	return fmt.Sprintf("Successfully executed init operation at %s", req.repoURL()), nil
}

// Snapshots lists the repository snapshots in an existing bucket. A missing
// bucket is an error here, never created.
func (s *Service) Snapshots(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	client, err := s.newClient(ctx, req)
	if err != nil {
		return "", err
	}

	exists, err := s.bucketExists(ctx, client, req.Bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("s3repo: bucket %s does not exist", req.Bucket)
	}

	out, err := s.tool.Run(ctx, []string{"snapshots", "--json"}, restic.RunOptions{Env: req.toolEnv()})
	if err != nil {
		return "", err
	}
	if out.FirstJSON == nil {
		return "", fmt.Errorf("s3repo: snapshots produced no JSON output for %s", req.repoURL())
	}

	s.report(ctx, req.Org, map[string]any{
		"type":      wire.TypeRespS3Snapshots,
		"s3_url":    req.repoURL(),
		"snapshots": out.FirstJSON,
	})
	return fmt.Sprintf("Successfully executed snapshots operation at %s", req.repoURL()), nil
}

// report feeds a controller-originated result through the response dispatch
// table. These rows carry no agent identity; the org scopes them.
func (s *Service) report(ctx context.Context, org string, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	handler := s.responses.Lookup(msgType)
	if handler == nil {
		s.logger.Error("no handler for controller-side response", zap.String("type", msgType))
		return
	}
	if err := handler(ctx, "", msg, org); err != nil {
		s.logger.Error("failed to store controller-side response",
			zap.String("type", msgType),
			zap.Error(err),
		)
	}
}

func (s *Service) bucketExists(ctx context.Context, client bucketAPI, bucket string) (bool, error) {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3repo: failed to access bucket %s: %w", bucket, err)
}

func createBucket(ctx context.Context, client bucketAPI, bucket, region string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("s3repo: failed to create bucket %s: %w", bucket, err)
	}
	return nil
}
