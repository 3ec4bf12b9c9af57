// Package types contains the errors shared across mirror-registry packages
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is the parent of every configuration error, these abort a run before any network request
	ErrConfig = errors.New("configuration error")
	// ErrInvalidTimeSpan when the time span is not empty, "{N}d", or "{N}m"
	ErrInvalidTimeSpan = fmt.Errorf("%w: invalid time span", ErrConfig)
	// ErrInvalidPattern when a tag pattern does not compile
	ErrInvalidPattern = fmt.Errorf("%w: invalid tag pattern", ErrConfig)
	// ErrInvalidReference when an image reference cannot be parsed
	ErrInvalidReference = fmt.Errorf("%w: invalid image reference", ErrConfig)
	// ErrInvalidCredentials when the credential bundle cannot be decoded
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credential bundle", ErrConfig)
	// ErrMissingInput indicates a required field is missing
	ErrMissingInput = fmt.Errorf("%w: required input missing", ErrConfig)
	// ErrUnsupportedConfigVersion happens when config file version is greater than this command supports
	ErrUnsupportedConfigVersion = fmt.Errorf("%w: unsupported config version", ErrConfig)

	// ErrAuth when a registry rejects a login
	ErrAuth = errors.New("authentication failed")
	// ErrHTTPStatus if the http status code was unexpected
	ErrHTTPStatus = errors.New("unexpected http status code")
	// ErrImageNotFound when a resolved tag cannot be pulled
	ErrImageNotFound = errors.New("image not found")
	// ErrNotFound isn't there, search for your value elsewhere
	ErrNotFound = errors.New("not found")
	// ErrProviderFetch when a tag listing request fails, results up to the failure are still returned
	ErrProviderFetch = errors.New("tag listing failed")
	// ErrPushFailed when the engine reports an error pushing a tag
	ErrPushFailed = errors.New("push failed")
	// ErrRateLimit when requests exceed server rate limit
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrUnauthorized when authentication fails
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownRegistry when no tag provider is registered for a registry
	ErrUnknownRegistry = errors.New("no tag provider for registry")
)
