package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"wsync-go/internal/wsync"
)

// generationMetaKey is the object metadata key holding the generation.
const generationMetaKey = "wsync-generation"

// Environment variables holding static credentials for S3-compatible
// endpoints. When unset the default AWS credential chain is used.
const (
	EnvS3AccessKeyID     = "WSYNC_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "WSYNC_S3_SECRET_ACCESS_KEY"
)

// s3Client is the subset of *s3.Client the vault uses.
type s3Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures an S3Vault.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service endpoint for S3-compatible stores.
	// Path-style addressing is used when it is set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Vault stores documents as objects named <prefix>documents/<key>.doc.
// The generation travels in object metadata and writes are made
// conditional on the ETag observed at the generation check.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   s3Client
	uploader s3Uploader
}

// NewS3Vault creates an S3 vault using the default AWS configuration chain.
func NewS3Vault(ctx context.Context, name string, opts S3Options) (*S3Vault, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Vault(name, opts.Bucket, opts.Prefix, client, manager.NewUploader(client)), nil
}

func newS3Vault(name, bucket, prefix string, client s3Client, uploader s3Uploader) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: uploader,
	}
}

// s3OptionsFromEnv fills static credentials from the environment.
func s3OptionsFromEnv(opts S3Options) S3Options {
	if opts.AccessKeyID == "" {
		opts.AccessKeyID = os.Getenv(EnvS3AccessKeyID)
		opts.SecretAccessKey = os.Getenv(EnvS3SecretAccessKey)
	}
	return opts
}

func (v *S3Vault) objectKey(key string) string {
	return v.prefix + path.Join("documents", key+".doc")
}

// PutDocument uploads the document if generation follows the stored one.
func (v *S3Vault) PutDocument(ctx context.Context, key string, r io.Reader, size int64, generation int64) error {
	current, etag, err := v.head(ctx, key)
	if err != nil {
		return err
	}
	if generation != current+1 {
		return fmt.Errorf("putting %s at generation %d (stored %d): %w", key, generation, current, wsync.ErrConflict)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.objectKey(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{generationMetaKey: strconv.FormatInt(generation, 10)},
	}
	if etag == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}

	if _, err := v.uploader.Upload(ctx, in); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("putting %s: %w", key, wsync.ErrConflict)
		}
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// GetDocument downloads the stored document into w.
func (v *S3Vault) GetDocument(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		if isMissing(err) {
			return fmt.Errorf("document %s: %w", key, wsync.ErrNotFound)
		}
		return fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	return nil
}

// GetGeneration returns the generation from object metadata, or 0 if the
// object does not exist.
func (v *S3Vault) GetGeneration(ctx context.Context, key string) (int64, error) {
	generation, _, err := v.head(ctx, key)
	return generation, err
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) head(ctx context.Context, key string) (int64, string, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		if isMissing(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("head %s: %w", key, err)
	}

	raw, ok := out.Metadata[generationMetaKey]
	if !ok {
		return 0, "", fmt.Errorf("object %s has no generation metadata", key)
	}
	generation, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parsing generation: %w", err)
	}
	return generation, aws.ToString(out.ETag), nil
}

func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

var _ wsync.Vault = (*S3Vault)(nil)
