package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "credentials")

// Source names accepted in the chain order.
const (
	SourcePasswdFile = "passwd_file"
	SourceEnv        = "env"
	SourceProfile    = "profile"
	SourceIMDS       = "imds"
)

// DefaultOrder is the chain order used when none is configured.
var DefaultOrder = []string{SourcePasswdFile, SourceEnv, SourceProfile, SourceIMDS}

// expiryWindow refreshes expiring credentials a little early.
const expiryWindow = time.Minute

// Source is one entry of the credential chain.
type Source interface {
	Name() string
	Retrieve(ctx context.Context) (*Credentials, error)
}

// ChainOptions selects and parameterizes the sources of a chain.
type ChainOptions struct {
	Order      []string
	PasswdFile string
	Bucket     string
	Profile    string
	Region     string
}

// NewChain builds the sources named in opts.Order. The passwd file source is
// skipped when no path is configured.
func NewChain(opts ChainOptions) ([]Source, error) {
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}

	sources := make([]Source, 0, len(order))
	for _, name := range order {
		switch name {
		case SourcePasswdFile:
			if opts.PasswdFile != "" {
				sources = append(sources, &PasswdFileSource{Path: opts.PasswdFile, Bucket: opts.Bucket})
			}
		case SourceEnv:
			sources = append(sources, EnvSource{})
		case SourceProfile:
			sources = append(sources, &ProfileSource{Profile: opts.Profile, Region: opts.Region})
		case SourceIMDS:
			sources = append(sources, NewSDKSource(SourceIMDS, ec2rolecreds.New()))
		default:
			return nil, fmt.Errorf("unknown credential source %q", name)
		}
	}
	return sources, nil
}

// PasswdFileSource reads an s3fs style passwd file.
type PasswdFileSource struct {
	Path   string
	Bucket string
}

func (s *PasswdFileSource) Name() string { return SourcePasswdFile }

func (s *PasswdFileSource) Retrieve(ctx context.Context) (*Credentials, error) {
	c := NewCredentials()
	if err := c.LoadFromPasswdFileForBucket(s.Path, s.Bucket); err != nil {
		return nil, err
	}
	return c, nil
}

// EnvSource reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN.
type EnvSource struct{}

func (EnvSource) Name() string { return SourceEnv }

func (EnvSource) Retrieve(ctx context.Context) (*Credentials, error) {
	c := NewCredentials()
	if err := c.LoadFromEnvironment(); err != nil {
		return nil, err
	}
	return c, nil
}

// ProfileSource resolves a named profile from the shared AWS config files.
// An empty Profile uses the SDK's default profile selection.
type ProfileSource struct {
	Profile string
	Region  string

	once     sync.Once
	provider aws.CredentialsProvider
	err      error
}

func (s *ProfileSource) Name() string { return SourceProfile }

func (s *ProfileSource) Retrieve(ctx context.Context) (*Credentials, error) {
	s.once.Do(func() {
		opts := []func(*config.LoadOptions) error{}
		if s.Profile != "" {
			opts = append(opts, config.WithSharedConfigProfile(s.Profile))
		}
		if s.Region != "" {
			opts = append(opts, config.WithRegion(s.Region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.err = fmt.Errorf("failed to load shared config: %w", err)
			return
		}
		s.provider = cfg.Credentials
	})
	if s.err != nil {
		return nil, s.err
	}
	if s.provider == nil {
		return nil, fmt.Errorf("profile %q has no credentials", s.Profile)
	}
	return retrieveSDK(ctx, SourceProfile, s.provider)
}

// SDKSource adapts any aws.CredentialsProvider into a chain entry.
type SDKSource struct {
	name     string
	provider aws.CredentialsProvider
}

// NewSDKSource wraps provider under the given name.
func NewSDKSource(name string, provider aws.CredentialsProvider) *SDKSource {
	return &SDKSource{name: name, provider: provider}
}

func (s *SDKSource) Name() string { return s.name }

func (s *SDKSource) Retrieve(ctx context.Context) (*Credentials, error) {
	return retrieveSDK(ctx, s.name, s.provider)
}

func retrieveSDK(ctx context.Context, name string, p aws.CredentialsProvider) (*Credentials, error) {
	v, err := p.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
		Source:          name,
		CanExpire:       v.CanExpire,
		Expires:         v.Expires,
	}, nil
}

// Provider walks the chain in order and caches the first usable result until
// it is invalidated or expires. It implements aws.CredentialsProvider.
type Provider struct {
	sources []Source

	mu      sync.Mutex
	current *Credentials
}

var _ aws.CredentialsProvider = (*Provider)(nil)

// NewProvider creates a provider over the given sources.
func NewProvider(sources ...Source) *Provider {
	return &Provider{sources: sources}
}

// Current returns cached credentials or resolves them from the chain.
func (p *Provider) Current(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && !p.current.Expired(expiryWindow) {
		return p.current, nil
	}

	var errs []error
	for _, src := range p.sources {
		c, err := src.Retrieve(ctx)
		if err == nil && c != nil && c.IsValid() {
			if c.Source == "" {
				c.Source = src.Name()
			}
			p.current = c
			logger.WithField("source", c.Source).Debug("resolved credentials")
			return c, nil
		}
		if err == nil {
			err = errors.New("incomplete credentials")
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}

	p.current = nil
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// Invalidate drops the cached credentials.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	logger.Debug("credentials invalidated")
}

// Retrieve implements aws.CredentialsProvider.
func (p *Provider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	c, err := p.Current(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Source:          c.Source,
		CanExpire:       c.CanExpire,
		Expires:         c.Expires,
	}, nil
}
