package s3client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/s3fs-fuse/s3wofs-go/internal/credentials"
	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logger = log.WithField("component", "s3client")

// Options configures a Client.
type Options struct {
	Bucket   string
	Region   string
	Endpoint string
	// PathStyle forces path-style addressing. It is implied by Endpoint.
	PathStyle   bool
	Credentials *credentials.Provider

	// RequestsPerSecond throttles calls to the store; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// Client represents an S3 client
type Client struct {
	bucket   string
	region   string
	endpoint string
	creds    *credentials.Provider
	cache    *aws.CredentialsCache
	limiter  *rate.Limiter
	s3Client *s3.Client
}

var _ upload.Store = (*Client)(nil)
var _ upload.CredentialRefresher = (*Client)(nil)

// NewClient creates a new S3 client. Retries are left to the caller, so the
// SDK's own retryer is disabled.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	client := &Client{
		bucket:   opts.Bucket,
		region:   region,
		endpoint: opts.Endpoint,
		creds:    opts.Credentials,
		cache:    aws.NewCredentialsCache(opts.Credentials),
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(client.cache),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if opts.Endpoint != "" || opts.PathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
			o.UsePathStyle = true // Required for LocalStack
		})
	}
	client.s3Client = s3.NewFromConfig(cfg, s3Options...)

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	logger.WithFields(log.Fields{
		"bucket":   client.bucket,
		"region":   client.region,
		"endpoint": client.endpoint,
	}).Debug("created S3 client")

	return client, nil
}

// Bucket returns the bucket the client writes to.
func (c *Client) Bucket() string {
	return c.bucket
}

// Invalidate drops cached credentials in both the chain and the SDK cache.
func (c *Client) Invalidate() {
	if c.creds != nil {
		c.creds.Invalidate()
	}
	if c.cache != nil {
		c.cache.Invalidate()
	}
}

// CheckBucket verifies the bucket exists and the credentials can reach it.
func (c *Client) CheckBucket(ctx context.Context) error {
	if c.s3Client == nil {
		return fmt.Errorf("S3 client not initialized")
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return classify("head bucket", err)
	}
	return nil
}

// wait blocks until the throttle admits one more request.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for request slot: %w", err)
	}
	return nil
}
