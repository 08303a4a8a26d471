package credentials

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrUnavailable is returned when no source in the chain produced credentials.
var ErrUnavailable = errors.New("no credentials available")

// Credentials holds AWS credentials
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Source names the chain entry that produced the credentials.
	Source string

	CanExpire bool
	Expires   time.Time
}

// NewCredentials creates a new credentials instance
func NewCredentials() *Credentials {
	return &Credentials{}
}

// LoadFromPasswdFileForBucket loads credentials from a passwd file that may
// hold several lines. Lines are either ACCESS_KEY:SECRET_KEY (default entry)
// or BUCKET:ACCESS_KEY:SECRET_KEY; a bucket line wins over the default entry.
// Empty lines and lines starting with '#' are skipped.
func (c *Credentials) LoadFromPasswdFileForBucket(path, bucket string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		logger.WithField("path", path).Warn("passwd file is readable by group or others")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}

	var def, match []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch len(parts) {
		case 2:
			if def == nil {
				def = parts
			}
		case 3:
			if bucket != "" && parts[0] == bucket {
				match = parts[1:]
			}
		default:
			return fmt.Errorf("invalid passwd file format, expected ACCESS_KEY:SECRET_KEY")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}

	entry := match
	if entry == nil {
		entry = def
	}
	if entry == nil || entry[0] == "" || entry[1] == "" {
		return fmt.Errorf("invalid passwd file format, expected ACCESS_KEY:SECRET_KEY")
	}

	c.AccessKeyID = entry[0]
	c.SecretAccessKey = entry[1]
	c.SessionToken = ""

	return nil
}

// LoadFromEnvironment loads credentials from environment variables
func (c *Credentials) LoadFromEnvironment() error {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("AWS_SESSION_TOKEN")

	if accessKey == "" || secretKey == "" {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}

	c.AccessKeyID = accessKey
	c.SecretAccessKey = secretKey
	c.SessionToken = sessionToken

	return nil
}

// IsValid checks if credentials are valid (both access key and secret are set)
func (c *Credentials) IsValid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Expired reports whether the credentials expire within the given window.
func (c *Credentials) Expired(window time.Duration) bool {
	return c.CanExpire && time.Now().Add(window).After(c.Expires)
}
