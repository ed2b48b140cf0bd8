package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/types"
)

// S3Target implements UploadTarget against any S3-compatible endpoint
// (AWS S3 or a compatible provider reached via StorageProfile's
// Endpoint override), built on the aws-sdk-go-v2 client
// construction but narrowed to the multipart-upload API surface this
// pipeline needs.
type S3Target struct{}

func NewS3Target() *S3Target { return &S3Target{} }

func (t *S3Target) Provider() types.StorageProvider { return types.StorageProviderAwsS3 }

func (t *S3Target) PartSize(cfg config.Config) int64 { return cfg.PartSizeS3 }

func (t *S3Target) client(creds any) (*s3.Client, *security.S3Credentials, error) {
	c, ok := creds.(*security.S3Credentials)
	if !ok {
		return nil, nil, fmt.Errorf("s3 target: unexpected credentials type %T", creds)
	}
	client := s3.New(s3.Options{
		Region:      c.Region,
		Credentials: credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		UsePathStyle: c.Endpoint != "",
		BaseEndpoint: endpointOrNil(c.Endpoint),
	})
	return client, c, nil
}

func endpointOrNil(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}

// Exists heads remoteKey and reports whether it is already present
// with exactly totalSize bytes, so a lost checkpoint never triggers a
// redundant re-upload of an object S3 already has in full.
func (t *S3Target) Exists(ctx context.Context, creds any, remoteKey string, totalSize int64) (bool, error) {
	client, c, err := t.client(creds)
	if err != nil {
		return false, err
	}
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", remoteKey, err)
	}
	return aws.ToInt64(out.ContentLength) == totalSize, nil
}

// isSessionExpired reports whether err indicates S3 no longer
// recognizes the given multipart UploadId.
func isSessionExpired(err error) bool {
	var noSuchUpload *s3types.NoSuchUpload
	return errors.As(err, &noSuchUpload)
}

func (t *S3Target) OpenSession(ctx context.Context, creds any, remoteKey string, totalSize int64) (string, error) {
	client, c, err := t.client(creds)
	if err != nil {
		return "", err
	}
	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (t *S3Target) ResumeOffset(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64) (int64, []types.PartRecord, error) {
	client, c, err := t.client(creds)
	if err != nil {
		return 0, nil, err
	}

	var parts []types.PartRecord
	var bytesUploaded int64
	var marker int32
	for {
		out, err := client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.Bucket),
			Key:              aws.String(remoteKey),
			UploadId:         aws.String(sessionID),
			PartNumberMarker: aws.String(fmt.Sprintf("%d", marker)),
		})
		if err != nil {
			if isSessionExpired(err) {
				return 0, nil, fmt.Errorf("list parts: %w: %w", ErrUploadSessionExpired, err)
			}
			return 0, nil, fmt.Errorf("list parts: %w", err)
		}
		for _, p := range out.Parts {
			parts = append(parts, types.PartRecord{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				Validator:  aws.ToString(p.ETag),
			})
			bytesUploaded += aws.ToInt64(p.Size)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = aws.ToInt32(out.NextPartNumberMarker)
	}
	return bytesUploaded, parts, nil
}

func (t *S3Target) UploadPart(ctx context.Context, creds any, remoteKey, sessionID string, partNumber int, offset, totalSize int64, chunk []byte) (types.PartRecord, error) {
	client, c, err := t.client(creds)
	if err != nil {
		return types.PartRecord{}, err
	}
	out, err := client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.Bucket),
		Key:        aws.String(remoteKey),
		UploadId:   aws.String(sessionID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(chunk),
	})
	if err != nil {
		if isSessionExpired(err) {
			return types.PartRecord{}, fmt.Errorf("upload part %d: %w: %w", partNumber, ErrUploadSessionExpired, err)
		}
		return types.PartRecord{}, fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	return types.PartRecord{PartNumber: partNumber, Validator: aws.ToString(out.ETag)}, nil
}

func (t *S3Target) Complete(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64, parts []types.PartRecord) error {
	client, c, err := t.client(creds)
	if err != nil {
		return err
	}
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			ETag:       aws.String(p.Validator),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}
	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.Bucket),
		Key:             aws.String(remoteKey),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}
