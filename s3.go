package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// snapshotArchiver mirrors each snapshot into an S3-compatible bucket so a
// recovery is possible even when the whole database is lost. Optional; a
// nil archiver disables the feature.
type snapshotArchiver struct {
	client *s3.Client
	bucket string
}

type s3Settings struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

func newSnapshotArchiver(cfg s3Settings) *snapshotArchiver {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		opts.UsePathStyle = true
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("Snapshot archiver enabled")
	return &snapshotArchiver{client: s3.New(opts), bucket: cfg.Bucket}
}

func (a *snapshotArchiver) Archive(ctx context.Context, clientID string, document []byte) error {
	key := fmt.Sprintf("snapshots/%s.json", clientID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(document),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("key", key).Int("bytes", len(document)).Msg("Snapshot archived")
	return nil
}
