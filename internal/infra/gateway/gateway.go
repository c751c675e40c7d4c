// Package gateway implements the host's session I/O surface over HTTP or
// gRPC. The fallback handler sees only the SessionGateway interface; the
// transport is picked from the endpoint scheme at wiring time.
package gateway

import (
	"github.com/vietddude/failover/internal/core/domain"
)

// resendRequest is the wire shape of a re-issued request.
type resendRequest struct {
	Parts []domain.Part        `json:"parts"`
	Model domain.FallbackModel `json:"model"`
}

// messagesResponse is the wire shape of a session history fetch.
type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}
