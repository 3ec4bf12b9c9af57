package reghttp

import (
	"fmt"
	"net/http"

	"github.com/GlueOps/mirror-registry/types"
)

// HTTPError returns an error based on the status code
func HTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w [http %d]", types.ErrUnauthorized, statusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w [http %d]", types.ErrNotFound, statusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w [http %d]", types.ErrRateLimit, statusCode)
	default:
		return fmt.Errorf("%w: %d", types.ErrHTTPStatus, statusCode)
	}
}
