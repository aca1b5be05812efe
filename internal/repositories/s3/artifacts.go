// Package s3 stores artifacts in an S3-compatible object store (AWS S3 or MinIO).
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/cochaviz/tavalid/internal/artifacts"
)

// ObjectAPI is the subset of the S3 client used by ArtifactStore.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Options configures the S3 client.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Profile   string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// ArtifactStore writes artifacts as objects under Bucket/Prefix.
type ArtifactStore struct {
	Client ObjectAPI
	Bucket string
	Prefix string
}

var _ artifacts.Store = (*ArtifactStore)(nil)

// New builds a store from the default AWS configuration chain, overridden by opts.
func New(ctx context.Context, opts Options) (*ArtifactStore, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &ArtifactStore{
		Client: client,
		Bucket: opts.Bucket,
		Prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (s *ArtifactStore) Scheme() string {
	return "s3"
}

func (s *ArtifactStore) Put(ctx context.Context, key, srcPath string, kind artifacts.ArtifactKind, metadata map[string]any) (artifacts.Artifact, error) {
	if s.Client == nil {
		return artifacts.Artifact{}, errors.New("s3 client is not configured")
	}
	artifactID := uuid.NewString()
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		key = artifactID + filepath.Ext(srcPath)
	}
	if s.Prefix != "" {
		key = path.Join(s.Prefix, key)
	}

	checksum, err := fileChecksum(srcPath)
	if err != nil {
		return artifacts.Artifact{}, err
	}

	file, err := os.Open(srcPath)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	defer file.Close()

	contentType := contentTypeFor(srcPath)
	objectMeta := map[string]string{
		"artifact-id":   artifactID,
		"artifact-kind": string(kind),
		"checksum":      checksum,
	}
	for k, v := range metadata {
		objectMeta[strings.ReplaceAll(k, "_", "-")] = fmt.Sprint(v)
	}

	if _, err := s.Client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
		Metadata:    objectMeta,
	}); err != nil {
		return artifacts.Artifact{}, fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}

	return artifacts.Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         fmt.Sprintf("s3://%s/%s", s.Bucket, key),
		Checksum:    &checksum,
		ContentType: contentType,
		Metadata:    metadata,
	}, nil
}

func (s *ArtifactStore) Fetch(ctx context.Context, uri, destPath string) error {
	if s.Client == nil {
		return errors.New("s3 client is not configured")
	}
	bucket, key, err := artifacts.ParseS3URI(uri)
	if err != nil {
		return err
	}

	out, err := s.Client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", uri, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, out.Body); err != nil {
		dst.Close()
		return fmt.Errorf("download %s: %w", uri, err)
	}
	return dst.Close()
}

func (s *ArtifactStore) Remove(ctx context.Context, uri string) error {
	if s.Client == nil {
		return errors.New("s3 client is not configured")
	}
	bucket, key, err := artifacts.ParseS3URI(uri)
	if err != nil {
		return err
	}
	if _, err := s.Client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", uri, err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".tgz":
		return "application/gzip"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
