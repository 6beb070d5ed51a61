package wasabi

/* Wasabi is an S3 compatible Object Storage Service
Capture stations upload their images to Wasabi and report them as s3://bucket/key references.
Presigning turns those references into links the OCR and face matching services,
and the operator dashboard, can fetch without credentials.
Links expire after the configured window (6 hours by default).
*/

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	PRESIGN_EXPIRES = 360 * time.Minute //6hr cache.
)

// URLSigner turns a stored image reference into a fetchable URL.
type URLSigner interface {
	ResolveURL(ctx context.Context, ref string) (string, error)
}

type Options struct {
	Host      string
	Region    string
	Expires   time.Duration
	AccessKey string // empty uses the default credential chain
	SecretKey string
}

type Wasabi struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	expires       time.Duration
}

// creates a secure but publicly accessible image link
func (w *Wasabi) PresignUrl(ctx context.Context, bucket, objectKey string) (string, error) {
	getObjInput := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	}

	presignResult, err := w.presignClient.PresignGetObject(ctx, getObjInput, func(po *s3.PresignOptions) {
		po.Expires = w.expires
	})
	if err != nil {
		return "", err
	}
	return presignResult.URL, nil
}

// ResolveURL presigns s3://bucket/key references. http(s) URLs are already
// fetchable and pass through unchanged.
func (w *Wasabi) ResolveURL(ctx context.Context, ref string) (string, error) {
	bucket, key, ok, err := ParseObjectURL(ref)
	if err != nil {
		return "", err
	}
	if !ok {
		return ref, nil
	}
	return w.PresignUrl(ctx, bucket, key)
}

// ParseObjectURL splits an s3://bucket/key reference. ok is false for any other scheme.
func ParseObjectURL(ref string) (bucket, key string, ok bool, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", false, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	if u.Scheme != "s3" {
		return "", "", false, nil
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", false, fmt.Errorf("image reference %q needs a bucket and a key", ref)
	}
	return u.Host, key, true, nil
}

// return a struct that wraps the aws S3 client for Wasabi
func NewWasabi(ctx context.Context, opts Options) (*Wasabi, error) {
	if opts.Expires <= 0 {
		opts.Expires = PRESIGN_EXPIRES
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	//lets the sdk know we aren't calling official aws servers.
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s", opts.Host))
		o.UsePathStyle = true
	})

	return &Wasabi{
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		expires:       opts.Expires,
	}, nil
}

// Passthrough is the signer used when no object store is configured.
type Passthrough struct{}

func (Passthrough) ResolveURL(_ context.Context, ref string) (string, error) {
	return ref, nil
}
