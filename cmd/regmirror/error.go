package main

import (
	"errors"

	"github.com/GlueOps/mirror-registry/types"
)

// exit codes of the command
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
	exitAuth   = 3
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrConfig):
		return exitConfig
	case errors.Is(err, types.ErrAuth):
		return exitAuth
	default:
		return exitFailed
	}
}
