// Package deadletter archives expired webhook retry records to S3.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// objectAPI is the part of *s3.Client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Archive writes dead-lettered retry records as JSON objects.
type Archive struct {
	s3Client objectAPI
	config   *Config
}

// archivedRecord is the JSON document stored per event.
type archivedRecord struct {
	Gateway         string          `json:"gateway"`
	EventType       string          `json:"event_type"`
	ExternalEventID string          `json:"external_event_id"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       string          `json:"last_error"`
	FirstSeenAt     time.Time       `json:"first_seen_at"`
	DeadLetteredAt  *time.Time      `json:"dead_lettered_at,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	RawPayload      string          `json:"raw_payload,omitempty"`
}

// NewArchive creates the S3 archive and checks the bucket is reachable.
func NewArchive(ctx context.Context, cfg *Config) (*Archive, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("dead-letter archival is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services (MinIO, B2) need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	a := newArchive(s3Client, cfg)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[DeadLetter] S3 archive ready for bucket: %s", cfg.BucketName)
	return a, nil
}

func newArchive(client objectAPI, cfg *Config) *Archive {
	return &Archive{s3Client: client, config: cfg}
}

// ensureBucket checks the bucket exists and creates it outside prod.
func (a *Archive) ensureBucket(ctx context.Context) error {
	bucketName := a.config.BucketName

	_, err := a.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err == nil {
		return nil
	}
	if GetAppEnv() == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", bucketName, err)
	}

	log.Warnf("[DeadLetter] Bucket %s not found, attempting to create it", bucketName)
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}
	// us-east-1 and S3-compatible endpoints reject a location constraint
	if a.config.EndpointURL == "" && a.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.config.Region),
		}
	}
	if _, err := a.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	log.Infof("[DeadLetter] Created bucket: %s", bucketName)
	return nil
}

// Archive uploads rec and returns the object key. It implements
// billing.DeadLetterSink.
func (a *Archive) Archive(ctx context.Context, rec *models.WebhookRetryRecord) (string, error) {
	at := rec.CreatedAt
	if rec.DeadLetteredAt != nil {
		at = *rec.DeadLetteredAt
	}
	key := a.config.ObjectKey(rec.Gateway, rec.ExternalEventID, at.UTC())

	doc := archivedRecord{
		Gateway:         rec.Gateway,
		EventType:       rec.EventType,
		ExternalEventID: rec.ExternalEventID,
		AttemptCount:    rec.AttemptCount,
		LastError:       rec.LastError,
		FirstSeenAt:     rec.CreatedAt,
		DeadLetteredAt:  rec.DeadLetteredAt,
	}
	if json.Valid([]byte(rec.RawPayload)) {
		doc.Payload = json.RawMessage(rec.RawPayload)
	} else {
		doc.Payload = json.RawMessage("null")
		doc.RawPayload = rec.RawPayload
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"gateway":       rec.Gateway,
			"upload-source": "payrecon-deadletter",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[DeadLetter] Archived %s event %s to s3://%s/%s", rec.Gateway, rec.ExternalEventID, a.config.BucketName, key)
	return key, nil
}
