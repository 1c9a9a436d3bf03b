package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperr "github.com/edgard/replyhub/internal/errors"
)

// statusFor maps an application error code to its HTTP status.
func statusFor(err error) int {
	switch apperr.Code(err) {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeCapacityExceeded:
		return http.StatusForbidden
	case apperr.CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case apperr.CodeInvalidTransition, apperr.CodeSessionNotConnected:
		return http.StatusConflict
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeSendFailed, apperr.CodeGenerationFailed:
		return http.StatusBadGateway
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient,omitempty"`
}

func errorJSON(err error) errorBody {
	msg := err.Error()
	if apperr.Code(err) == apperr.CodeUnknown {
		msg = "internal error"
	}
	return errorBody{Code: apperr.Code(err), Message: msg, Transient: apperr.IsTransient(err)}
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errorJSON(err)})
}

// abortWithResource reports err while still returning the resource it
// concerns, e.g. a message that was recorded as failed.
func abortWithResource(c *gin.Context, err error, key string, resource any) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errorJSON(err), key: resource})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, apperr.NewValidationError("invalid request body: "+err.Error(), err))
		return false
	}
	return true
}

// paging reads limit and offset query parameters.
func paging(c *gin.Context) (int, int, error) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return 0, 0, err
	}
	if limit < 0 || offset < 0 {
		return 0, 0, apperr.NewValidationError("limit and offset must not be negative", nil)
	}
	return limit, offset, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.NewValidationError(key+" must be an integer", err)
	}
	return n, nil
}

type page[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}
