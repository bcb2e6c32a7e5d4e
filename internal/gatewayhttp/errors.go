package gatewayhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicecluster/controlplane/internal/cperrors"
)

func invalidRequest(detail string) error {
	return cperrors.InvalidRequest(detail)
}

// writeError maps a cperrors.ControlPlaneError to the HTTP status and
// body shape spec.md §7 prescribes. Unknown errors fall back to 500
// with a generic body, never crashing the process.
func writeError(c *gin.Context, err error) {
	cpe, ok := cperrors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "internal error",
			"code":    "INTERNAL_ERROR",
		})
		return
	}

	status := http.StatusInternalServerError
	switch cpe.Code {
	case cperrors.CodeNodeNotFound, cperrors.CodeVoiceNotFound:
		status = http.StatusNotFound
	case cperrors.CodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	case cperrors.CodeInvalidRequest:
		status = http.StatusBadRequest
	case cperrors.CodeRequestTimeout:
		status = http.StatusGatewayTimeout
	case cperrors.CodeEngineError, cperrors.CodeModelNotLoaded:
		status = http.StatusBadGateway
	case cperrors.CodeNoAvailableNode:
		// Preserved-as-is per spec.md §9: the synthesize and
		// extract_voice handlers write this 200 structured body
		// themselves; any other caller of writeError with this code gets
		// the same 200 status with the structured error body.
		status = http.StatusOK
	}

	c.JSON(status, gin.H{
		"success": false,
		"message": cpe.Message,
		"code":    string(cpe.Code),
	})
}
