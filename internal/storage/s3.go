package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config selects the bucket assembled documents are published to.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // S3-compatible endpoint, path-style when set
	AccessKey string
	SecretKey string
}

// S3Client uploads job outputs to S3.
type S3Client struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
	prefix     string
}

// NewS3Client creates a new S3 client. Static credentials are used when both
// keys are set, otherwise the default AWS chain.
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket not configured")
	}
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsConf, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		bucketName: cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *S3Client) Bucket() string { return s.bucketName }

// OutputKey is the object key for a job's document.
func (s *S3Client) OutputKey(jobID string) string {
	return path.Join(strings.TrimPrefix(s.prefix, "/"), jobID+".pdf")
}

// PublishOutput uploads the assembled document of jobID and returns its
// s3:// location.
func (s *S3Client) PublishOutput(ctx context.Context, jobID, filePath string) (string, error) {
	key := s.OutputKey(jobID)
	if err := s.UploadFile(ctx, key, filePath, "application/pdf", map[string]string{"job-id": jobID}); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucketName, key), nil
}

// UploadFile streams a local file to key.
func (s *S3Client) UploadFile(ctx context.Context, key, filePath, contentType string, metadata map[string]string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("bucket", s.bucketName).Str("key", key).Str("location", out.Location).Msg("uploaded file to S3")
	return nil
}

// HeadBucket checks that the bucket is reachable.
func (s *S3Client) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(u string) (string, string, error) {
	rest := strings.TrimPrefix(u, "s3://")
	slash := strings.Index(rest, "/")
	if !strings.HasPrefix(u, "s3://") || slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("invalid s3 url: %s", u)
	}
	return rest[:slash], rest[slash+1:], nil
}

// DownloadFile fetches s3://bucket/key into filePath.
func (s *S3Client) DownloadFile(ctx context.Context, s3url, filePath string) error {
	bucket, key, err := ParseS3URL(s3url)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	n, err := manager.NewDownloader(s.client).Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(filePath)
		return fmt.Errorf("failed to download from S3: %w", err)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("downloaded s3 object")
	return nil
}
