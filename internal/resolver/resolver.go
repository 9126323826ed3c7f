// Package resolver turns a task's stored URL into the link a run fetches.
// HTTP(S) passes through; s3://bucket/key is presigned on every call so a
// task resumed days later gets a fresh signature.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tanq16/haul/internal/utils"
)

const DefaultPresignExpiry = 12 * time.Hour

type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest mirrors the field of the SDK's v4 request we use.
type PresignedRequest struct {
	URL string
}

type Resolver struct {
	profile string
	expiry  time.Duration

	mu        sync.Mutex
	presigner Presigner
}

func New(profile string) *Resolver {
	return &Resolver{profile: profile, expiry: DefaultPresignExpiry}
}

// WithPresigner swaps the S3 presigner, mostly for tests.
func (r *Resolver) WithPresigner(p Presigner) *Resolver {
	r.mu.Lock()
	r.presigner = p
	r.mu.Unlock()
	return r
}

func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	link := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return "", fmt.Errorf("invalid URL: missing host in %q", link)
		}
		return link, nil
	case "s3":
		bucket, key, err := ParseS3URL(link)
		if err != nil {
			return "", err
		}
		return r.presign(ctx, bucket, key)
	default:
		return "", fmt.Errorf("%w: %q", utils.ErrUnsupportedScheme, parsed.Scheme)
	}
}

func (r *Resolver) presign(ctx context.Context, bucket, key string) (string, error) {
	p, err := r.getPresigner(ctx)
	if err != nil {
		return "", err
	}
	req, err := p.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.expiry))
	if err != nil {
		return "", fmt.Errorf("error presigning s3://%s/%s: %w", bucket, key, err)
	}
	log := utils.GetLogger("resolver/s3")
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Presigned S3 object")
	return req.URL, nil
}

func (r *Resolver) getPresigner(ctx context.Context) (Presigner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presigner != nil {
		return r.presigner, nil
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if r.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(r.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	r.presigner = sdkPresigner{client: s3.NewPresignClient(s3.NewFromConfig(cfg))}
	return r.presigner, nil
}

type sdkPresigner struct {
	client *s3.PresignClient
}

func (p sdkPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(link string) (string, string, error) {
	rest, ok := strings.CutPrefix(link, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", link)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", link)
	}
	return bucket, key, nil
}
