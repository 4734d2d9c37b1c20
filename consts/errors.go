package consts

import "errors"

var (
	ErrMailboxNotFound   = errors.New("mailbox does not exist")
	ErrMailboxExists     = errors.New("mailbox already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrNotPermitted      = errors.New("operation not permitted")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrScriptUnavailable = errors.New("sieve script unavailable")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrS3UploadFailed = errors.New("s3 upload failed")

	ErrSerializationFailed = errors.New("serialization failed")
)
