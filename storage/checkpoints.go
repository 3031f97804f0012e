package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultCheckpointURLExpiry bounds how long the trainer may take to start a download
const DefaultCheckpointURLExpiry = 6 * time.Hour

// CheckpointURL turns the base model location of a training into a URL the
// trainer can download. s3://bucket/key locations are presigned; http(s)
// URLs are returned unchanged.
func (s *S3Store) CheckpointURL(ctx context.Context, location string, expiry time.Duration) (string, error) {
	bucket, key, ok := ParseS3URL(location)
	if !ok {
		u, err := url.Parse(location)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", fmt.Errorf("unsupported checkpoint location %q", location)
		}
		return location, nil
	}

	if expiry <= 0 {
		expiry = DefaultCheckpointURLExpiry
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign checkpoint %s: %w", location, err)
	}

	return req.URL, nil
}

// ParseS3URL splits s3://bucket/key
func ParseS3URL(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
