package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes an S3-compatible endpoint to store envelopes in. It
// is deliberately not AWS-specific: Endpoint lets it target any
// S3-compatible gateway sitting in front of a permanent-data network,
// which is the whole reason this binding exists alongside LocalStore.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // non-empty for non-AWS S3-compatible providers
	AccessKey string
	SecretKey string
}

// S3Store is a Store backed by an S3-compatible bucket. Like LocalStore
// it is content-addressed: the object key is the hex SHA-256 of the blob,
// so re-uploading identical bytes is naturally idempotent.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("remote: load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(blob []byte) string {
	sum := sha256.Sum256(blob)
	name := hex.EncodeToString(sum[:])
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put uploads blob keyed by its content hash and returns an s3:// URL.
func (s *S3Store) Put(ctx context.Context, blob []byte, tags map[string]string) (string, error) {
	key := s.key(blob)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(blob),
		Metadata: tags,
	})
	if err != nil {
		return "", fmt.Errorf("remote: put s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get retrieves the object at url, which must be of the form
// s3://<bucket>/<key>.
func (s *S3Store) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: get %s: %w", url, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read body of %s: %w", url, err)
	}
	return data, nil
}

func parseS3URL(url string) (bucket, key string, err error) {
	const schema = "s3://"
	if !strings.HasPrefix(url, schema) {
		return "", "", fmt.Errorf("remote: not an s3:// URL: %s", url)
	}
	rest := strings.TrimPrefix(url, schema)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("remote: malformed s3 URL: %s", url)
	}
	return parts[0], parts[1], nil
}
