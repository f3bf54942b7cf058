package restapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/commercelab/spikes"
)

const correlationHeader = "X-Correlation-ID"
const correlationKey = "correlationId"

// correlationID propagates the caller's correlation id, minting one when the
// request carries none. Every response and error envelope echoes it.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Request.Header.Get(correlationHeader)
		if id == "" {
			id = spikes.NewUUID().String()
		}
		c.Set(correlationKey, id)
		c.Writer.Header().Set(correlationHeader, id)
		c.Next()
	}
}

// errorEnvelope is the uniform error payload.
type errorEnvelope struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlationId"`
}

// writeError renders a failure as the error envelope, setting Retry-After on
// throttled and unavailable responses.
func writeError(c *gin.Context, err error) {
	var tagged spikes.Error
	if !errors.As(err, &tagged) {
		tagged = spikes.NewError(spikes.InternalError, err)
	}
	status := tagged.Code.HTTPStatus()
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if retryAfter, ok := tagged.Details["retryAfterSeconds"]; ok {
			c.Header("Retry-After", fmt.Sprintf("%v", retryAfter))
		}
	}
	message := ""
	if tagged.Err != nil {
		message = tagged.Err.Error()
	}
	c.JSON(status, errorEnvelope{
		Code:          tagged.Code.String(),
		Message:       message,
		Details:       tagged.Details,
		CorrelationID: c.GetString(correlationKey),
	})
}
