package service

import "errors"

var (
	// ErrNoContent means the queue has nothing to deliver for the category.
	ErrNoContent = errors.New("no content")
	// ErrBundleNotFound covers already-dequeued bundles and bundles of other queues. Benign.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrRenderFailed leaves the bundle closed and unmaterialized; the next peek retries.
	ErrRenderFailed = errors.New("document rendering failed")
	// ErrUnknownEventType is a configuration error: the entry is never retried.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrPoisonMessage marks a payload that can never be processed.
	ErrPoisonMessage = errors.New("unprocessable message payload")
)
