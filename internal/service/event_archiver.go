package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// EventArchiver stores raw webhook payloads for audit.
type EventArchiver interface {
	Archive(ctx context.Context, eventID string, payload []byte) error
}

// S3EventArchiver writes each verified webhook payload to an S3-compatible
// bucket, keyed by event id. Archive failures never fail the webhook.
type S3EventArchiver struct {
	client *s3.Client
	bucket string
}

// NewS3EventArchiver creates a new S3EventArchiver.
func NewS3EventArchiver(client *s3.Client, bucket string) *S3EventArchiver {
	return &S3EventArchiver{client: client, bucket: bucket}
}

func (a *S3EventArchiver) Archive(ctx context.Context, eventID string, payload []byte) error {
	key := fmt.Sprintf("billing-events/%s.json", eventID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive webhook payload %s: %w", eventID, err)
	}
	return nil
}
