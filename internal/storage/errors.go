package storage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ItemError records the failure of one object inside a directory operation.
type ItemError struct {
	Key string
	Err error
}

func (e *ItemError) Error() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }

func (e *ItemError) Unwrap() error { return e.Err }

type httpStatusError interface {
	HTTPStatusCode() int
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func httpStatus(err error) int {
	var he httpStatusError
	if errors.As(err, &he) {
		return he.HTTPStatusCode()
	}
	return 0
}

// IsNotFound reports whether err means the object (or bucket) does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return httpStatus(err) == http.StatusNotFound
}

// IsAccessDenied reports whether err is a permission failure.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	switch apiErrorCode(err) {
	case "AccessDenied", "AllAccessDisabled", "AccessControlListNotSupported":
		return true
	}
	return httpStatus(err) == http.StatusForbidden
}

// IsInvalidArgument reports whether S3 rejected a malformed bucket, key or request.
func IsInvalidArgument(err error) bool {
	switch apiErrorCode(err) {
	case "InvalidArgument", "InvalidBucketName", "InvalidRequest", "KeyTooLongError":
		return true
	}
	return false
}
