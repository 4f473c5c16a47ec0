package model

import "errors"

var (
	ErrUnknownActorRole    = errors.New("unknown actor role")
	ErrUnknownCategory     = errors.New("unknown message category")
	ErrUnknownDocumentType = errors.New("unknown document type")
	ErrUnknownFormat       = errors.New("unknown document format")
	ErrInvalidMessage      = errors.New("invalid outgoing message")

	ErrBundleClosed   = errors.New("bundle is closed")
	ErrBundleMismatch = errors.New("message does not belong in bundle")
)
