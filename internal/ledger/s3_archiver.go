package ledger

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lexcomply/ledger/internal/canonical"
)

// Archiver copies canonical entry JSON to cold object storage. It serves two
// paths: the export streamer (every committed entry) and the retention
// manager's ELIGIBLE -> ARCHIVED transition.
type Archiver interface {
	// ArchiveEntry uploads the entry envelope and returns the object key.
	ArchiveEntry(ctx context.Context, e *AuditEntry) (string, error)
}

// S3Archiver writes canonicalized entries to S3 paths like:
//
//	s3://<bucket>/<prefix>/ledger/<tenantId>/YYYY/MM/DD/<entryId>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEntry canonicalizes the full entry envelope and uploads it with
// SSE-S3 server-side encryption.
func (s *S3Archiver) ArchiveEntry(ctx context.Context, e *AuditEntry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}

	canonBytes, err := canonical.Marshal(exportEnvelope(e))
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	ts := e.Context.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	objectKey := path.Join(s.prefix, "ledger", e.TenantID,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.EntryID),
	)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return objectKey, nil
}

// exportEnvelope is the canonical external form of a committed entry, shared
// by the S3 archiver and the Kafka export stream. It carries the full record
// including the hash-chain fields, so an external auditor can re-verify
// membership and content without database access.
func exportEnvelope(e *AuditEntry) map[string]interface{} {
	env := hashEnvelope(e, e.PreviousHash)
	env["currentHash"] = e.CurrentHash
	env["signature"] = nullable(e.Signature)
	env["signerId"] = nullable(e.SignerID)
	env["merkleRoot"] = nullable(e.MerkleRoot)
	env["seq"] = int64(e.Seq)
	return env
}
