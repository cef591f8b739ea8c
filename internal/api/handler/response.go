package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/octoroute/internal/api/middleware"
	"github.com/user/octoroute/internal/models"
)

// WarningHeader carries non-fatal per-request warnings (for example a
// health-tracking failure) back to the client.
const WarningHeader = "X-Octoroute-Warning"

// invalidRequest sends an OpenAI-shaped client error.
func invalidRequest(c *gin.Context, status int, message string) {
	c.JSON(status, models.NewInvalidRequestError(message))
}

// decodeErrorStatus separates malformed JSON (400) from well-formed bodies
// that fail semantic validation (422).
func decodeErrorStatus(err error) int {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

// appError maps a service error onto the OpenAI error envelope. Validation
// failures keep their message; everything else reads as a server error
// carrying the request id so clients can report it.
func appError(c *gin.Context, err error) {
	ae := models.AsAppError(err)
	if ae.Kind == models.ErrValidation {
		invalidRequest(c, ae.StatusCode(), ae.Message)
		return
	}
	message := ae.Message
	if id := middleware.GetRequestID(c); id != "" {
		message = fmt.Sprintf("%s (request %s)", message, id)
	}
	c.JSON(ae.StatusCode(), models.NewServerError(message))
}

// setWarnings attaches accumulated warnings to the response headers.
func setWarnings(c *gin.Context, warnings []string) {
	for _, w := range warnings {
		c.Writer.Header().Add(WarningHeader, w)
	}
}
