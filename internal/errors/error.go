package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible error identifier.
type Code string

const (
	CodeBucketNotFound       Code = "BucketNotFound"
	CodeBucketNotEmpty       Code = "BucketNotEmpty"
	CodeBucketAlreadyExists  Code = "BucketAlreadyExists"
	CodeInvalidBucketName    Code = "InvalidBucketName"
	CodeObjectNotFound       Code = "ObjectNotFound"
	CodeObjectTooLarge       Code = "ObjectTooLarge"
	CodeInvalidKey           Code = "InvalidKey"
	CodeDangerousContentType Code = "DangerousContentType"
	CodeInsufficientNodes    Code = "InsufficientNodes"
	CodeNoHealthyNodes       Code = "NoHealthyNodes"
	CodeUploadFailed         Code = "UploadFailed"
	CodeDownloadFailed       Code = "DownloadFailed"
	CodeNodeNotFound         Code = "NodeNotFound"
	CodeInvalidNode          Code = "InvalidNode"
	CodeNodeHasData          Code = "NodeHasData"
	CodeInternalError        Code = "InternalError"
)

// Error carries a stable code, a human readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBucketNotFound       = &Error{Code: CodeBucketNotFound}
	ErrBucketNotEmpty       = &Error{Code: CodeBucketNotEmpty}
	ErrBucketAlreadyExists  = &Error{Code: CodeBucketAlreadyExists}
	ErrInvalidBucketName    = &Error{Code: CodeInvalidBucketName}
	ErrObjectNotFound       = &Error{Code: CodeObjectNotFound}
	ErrObjectTooLarge       = &Error{Code: CodeObjectTooLarge}
	ErrInvalidKey           = &Error{Code: CodeInvalidKey}
	ErrDangerousContentType = &Error{Code: CodeDangerousContentType}
	ErrInsufficientNodes    = &Error{Code: CodeInsufficientNodes}
	ErrNoHealthyNodes       = &Error{Code: CodeNoHealthyNodes}
	ErrUploadFailed         = &Error{Code: CodeUploadFailed}
	ErrDownloadFailed       = &Error{Code: CodeDownloadFailed}
	ErrNodeNotFound         = &Error{Code: CodeNodeNotFound}
	ErrInvalidNode          = &Error{Code: CodeInvalidNode}
	ErrNodeHasData          = &Error{Code: CodeNodeHasData}

	ErrDuplicateRecord = errors.New("record already exists")
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error that keeps err as its cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// FetchingResourceError generates a formatted error for failed fetching of any resource by its type.
func FetchingResourceError(resource string) error {
	return fmt.Errorf("failed to fetch %s by id", resource)
}

func ConfigNotSetError(config string) error {
	return fmt.Errorf("The %s configuration value must be set", config)
}
