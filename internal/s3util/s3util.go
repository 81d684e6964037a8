// Package s3util stores processed card art in S3 and reads source images
// back from it.
package s3util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/variant"
)

// ObjectAPI is the subset of *s3.Client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Sink uploads processed assets under Prefix in Bucket. When PublicBaseURL is
// set the returned URL is PublicBaseURL/key; otherwise it is a presigned GET
// URL valid for Expiry.
type Sink struct {
	Client        ObjectAPI
	Presign       *s3.PresignClient
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Expiry        time.Duration
}

// Save uploads data and returns the URL it can be fetched from.
func (s *Sink) Save(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := path.Join(s.Prefix, path.Base(name))

	log.Debug().
		Str("bucket", s.Bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Uploading processed asset to S3")

	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload asset to S3: %w", err)
	}

	if s.PublicBaseURL != "" {
		return strings.TrimRight(s.PublicBaseURL, "/") + "/" + key, nil
	}
	if s.Presign == nil {
		return "s3://" + s.Bucket + "/" + key, nil
	}
	return GeneratePresignedURL(ctx, s.Presign, s.Bucket, key, s.Expiry)
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		if expiry > 0 {
			opts.Expires = expiry
		}
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

// ParseURL splits an "s3://bucket/key" URL.
func ParseURL(u string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(u, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Download reads an S3 object fully into memory.
func Download(ctx context.Context, client ObjectAPI, bucket, key string) ([]byte, string, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Downloading from S3")
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return nil, "", fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	var contentType string
	if result.ContentType != nil {
		contentType = *result.ContentType
	}
	return data, contentType, nil
}

// Fetcher reads "s3://" URLs from S3 and hands every other URL to Next.
type Fetcher struct {
	Client ObjectAPI
	Next   variant.Fetcher
}

var (
	_ variant.Fetcher = (*Fetcher)(nil)
	_ variant.Sink    = (*Sink)(nil)
)

func (f *Fetcher) Fetch(ctx context.Context, u string) ([]byte, string, error) {
	if bucket, key, ok := ParseURL(u); ok {
		return Download(ctx, f.Client, bucket, key)
	}
	if f.Next == nil {
		return nil, "", fmt.Errorf("no fetcher for %s", u)
	}
	return f.Next.Fetch(ctx, u)
}
