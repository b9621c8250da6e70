package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config describes how to reach the bucket. Endpoint, AccessKey and SecretKey are optional;
// when empty the SDK default chain (environment, shared config, instance role) applies.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	DisableTLS     bool
}

// Bucket is a thin wrapper around the AWS SDK v2 S3 client bound to one bucket.
type Bucket struct {
	api  *s3.Client
	name string
}

// NewBucket initialises a client for cfg.Bucket.
func NewBucket(ctx context.Context, cfg Config) (*Bucket, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		// A buildable client lets the SDK apply AWS_CA_BUNDLE and other transport settings.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(30 * time.Second)),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, errors.New("access key and secret key must be set together")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Bucket{api: client, name: cfg.Bucket}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Put uploads body to key with a SHA-256 checksum.
func (b *Bucket) Put(ctx context.Context, key string, body []byte) error {
	if b == nil {
		return errors.New("nil bucket")
	}
	sum := sha256.Sum256(body)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(body))

	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &b.name,
		Key:               &key,
		Body:              bytes.NewReader(body),
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored at key.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, errors.New("nil bucket")
	}
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.name, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// List returns every key under prefix in lexical order.
func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	if b == nil {
		return nil, errors.New("nil bucket")
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: &b.name,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Latest returns the lexically greatest key under prefix ending in suffix.
func Latest(keys []string, suffix string) (string, bool) {
	best := ""
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) && k > best {
			best = k
		}
	}
	return best, best != ""
}
