package s3client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/s3fs-fuse/s3wofs-go/internal/credentials"
	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("response error"),
		},
		RequestID: "req-1",
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantRejected    bool
		wantTransient   bool
		wantUnavailable bool
	}{
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, true, false, false},
		{"bad signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, true, false, false},
		{"unknown key", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, true, false, false},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, false, true, false},
		{"service unavailable", responseError(http.StatusServiceUnavailable), false, true, false},
		{"too many requests", responseError(http.StatusTooManyRequests), false, true, false},
		{"request timeout", responseError(http.StatusRequestTimeout), false, true, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false, true, false},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), false, true, false},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, false, false, false},
		{"forbidden", responseError(http.StatusForbidden), false, false, false},
		{"canceled", context.Canceled, false, false, false},
		{"no credentials", fmt.Errorf("sign: %w", credentials.ErrUnavailable), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test op", tt.err)
			if got := errors.Is(err, upload.ErrCredentialsRejected); got != tt.wantRejected {
				t.Errorf("ErrCredentialsRejected = %v, want %v (err: %v)", got, tt.wantRejected, err)
			}
			if got := errors.Is(err, upload.ErrTransient); got != tt.wantTransient {
				t.Errorf("ErrTransient = %v, want %v (err: %v)", got, tt.wantTransient, err)
			}
			if got := errors.Is(err, upload.ErrCredentialsUnavailable); got != tt.wantUnavailable {
				t.Errorf("ErrCredentialsUnavailable = %v, want %v (err: %v)", got, tt.wantUnavailable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("classified error lost the original: %v", err)
			}
		})
	}
}

func TestAPIErrorCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NoSuchUpload"})
	if code := apiErrorCode(err); code != "NoSuchUpload" {
		t.Errorf("Expected NoSuchUpload, got %q", code)
	}
	if code := apiErrorCode(errors.New("plain")); code != "" {
		t.Errorf("Expected empty code, got %q", code)
	}
	if code := httpStatusCode(responseError(http.StatusBadGateway)); code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", code)
	}
}
