package s3client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/s3fs-fuse/s3wofs-go/internal/credentials"
	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

// credentialErrorCodes are S3 error codes meaning the signing identity was
// refused, as opposed to lacking a permission.
var credentialErrorCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"InvalidAccessKeyId":    true,
	"InvalidToken":          true,
	"SignatureDoesNotMatch": true,
	"TokenRefreshRequired":  true,
	"RequestExpired":        true,
}

var retryables = retry.IsErrorRetryables(retry.DefaultRetryables)

// classify wraps err with the sentinel the session manager retries on.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, credentials.ErrUnavailable):
		return fmt.Errorf("failed to %s: %w", op, err)
	case isCredentialRejection(err):
		return fmt.Errorf("failed to %s: %w: %w", op, upload.ErrCredentialsRejected, err)
	case isRetryable(err):
		return fmt.Errorf("failed to %s: %w: %w", op, upload.ErrTransient, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func isCredentialRejection(err error) bool {
	return credentialErrorCodes[apiErrorCode(err)]
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch code := httpStatusCode(err); {
	case code >= 500,
		code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout:
		return true
	}
	switch apiErrorCode(err) {
	case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable":
		return true
	}
	if retryables.IsErrorRetryable(err) == aws.TrueTernary {
		return true
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func httpStatusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
