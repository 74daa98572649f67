package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Adapter implements Adapter over an S3 bucket, narrowed to the
// three-method contract — the pack/index/delta namespace never needs
// S3 metadata, copy-between-keys, or paginated stat listings, only
// get/put/list.
type S3Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Adapter builds an adapter against bucket, using the default AWS
// credential chain for region.
func NewS3Adapter(ctx context.Context, bucket, region, prefix string) (*S3Adapter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("store: s3 adapter requires a bucket")
	}
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	return &S3Adapter{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (a *S3Adapter) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func (a *S3Adapter) relativeKey(objectKey string) string {
	if a.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, a.prefix+"/")
}

func (a *S3Adapter) ReadObject(key string, offset, length int) ([]byte, error) {
	ctx := context.Background()
	input := &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	}
	if !(offset == 0 && length == 0) {
		rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		input.Range = aws.String(rng)
	}

	output, err := a.client.GetObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, &StorageError{Op: "read", Key: key, Err: fmt.Errorf("not found")}
		}
		return nil, &StorageError{Op: "read", Key: key, Err: err}
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, &StorageError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

func (a *S3Adapter) WriteObject(key string, data []byte) error {
	ctx := context.Background()
	objKey := a.objectKey(key)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
	})
	if err == nil {
		return nil // content-addressed: never overwrite
	}
	if !isS3NotFound(err) {
		return &StorageError{Op: "write", Key: key, Err: err}
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (a *S3Adapter) ListObjects(extension string) ([]string, error) {
	ctx := context.Background()
	prefix := a.prefix
	if prefix != "" {
		prefix += "/"
	}

	var out []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &StorageError{Op: "list", Key: extension, Err: err}
		}
		for _, obj := range page.Contents {
			rel := a.relativeKey(aws.ToString(obj.Key))
			if strings.HasSuffix(rel, extension) {
				out = append(out, strings.TrimSuffix(rel, extension))
			}
		}
	}
	return out, nil
}

func isS3NotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
