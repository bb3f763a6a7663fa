// Package artifact inspects the build outputs uploaded to object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/splax/devport/pkg/config"
)

// OutputsPrefix is the key prefix build units upload under.
const OutputsPrefix = "__outputs/"

// Summary describes the uploaded outputs of one slug.
type Summary struct {
	Prefix string
	Files  int
	Bytes  int64
}

// Store lists uploaded build outputs in one bucket.
type Store struct {
	api    s3.ListObjectsV2APIClient
	bucket string
}

// New wraps an S3 listing client.
func New(api s3.ListObjectsV2APIClient, bucket string) (*Store, error) {
	if api == nil {
		return nil, errors.New("artifact: s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("artifact: bucket is required")
	}
	return &Store{api: api, bucket: bucket}, nil
}

// NewFromConfig builds a store from worker configuration. It returns nil without error
// when no bucket is configured.
func NewFromConfig(cfg config.ArtifactConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return New(s3.New(opts), cfg.Bucket)
}

// PrefixFor returns the object prefix holding a slug's outputs.
func PrefixFor(slug string) string {
	return OutputsPrefix + slug + "/"
}

// Summarize counts the objects uploaded for slug.
func (s *Store) Summarize(ctx context.Context, slug string) (Summary, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Summary{}, errors.New("artifact: slug is required")
	}
	summary := Summary{Prefix: PrefixFor(slug)}
	pages := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(summary.Prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("list outputs for %s: %w", slug, err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), "/") {
				continue
			}
			summary.Files++
			summary.Bytes += aws.ToInt64(obj.Size)
		}
	}
	return summary, nil
}
