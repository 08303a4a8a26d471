package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

// Begin initiates a multipart upload
func (c *Client) Begin(ctx context.Context, key string) (string, error) {
	if c.s3Client == nil {
		return "", fmt.Errorf("S3 client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}

	result, err := c.s3Client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", classify("create multipart upload", err)
	}

	if result.UploadId == nil {
		return "", fmt.Errorf("upload ID is nil")
	}

	return *result.UploadId, nil
}

// SendPart uploads a single part of a multipart upload
func (c *Client) SendPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	if c.s3Client == nil {
		return "", fmt.Errorf("S3 client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	input := &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		PartNumber:    aws.Int32(partNumber),
		UploadId:      aws.String(uploadID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	result, err := c.s3Client.UploadPart(ctx, input)
	if err != nil {
		return "", classify(fmt.Sprintf("upload part %d", partNumber), err)
	}

	if result.ETag == nil {
		return "", fmt.Errorf("ETag is nil for part %d", partNumber)
	}

	return *result.ETag, nil
}

// Complete completes a multipart upload
func (c *Client) Complete(ctx context.Context, key, uploadID string, parts []upload.Part) (string, error) {
	if c.s3Client == nil {
		return "", fmt.Errorf("S3 client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}

	result, err := c.s3Client.CompleteMultipartUpload(ctx, input)
	if err != nil {
		return "", classify("complete multipart upload", err)
	}

	return aws.ToString(result.VersionId), nil
}

// Abort aborts a multipart upload. An upload the store no longer knows
// about counts as aborted.
func (c *Client) Abort(ctx context.Context, key, uploadID string) error {
	if c.s3Client == nil {
		return fmt.Errorf("S3 client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	input := &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}

	_, err := c.s3Client.AbortMultipartUpload(ctx, input)
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) || apiErrorCode(err) == "NoSuchUpload" {
			return nil
		}
		return classify("abort multipart upload", err)
	}

	return nil
}
