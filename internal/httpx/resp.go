package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Response represents the standard API response structure
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// OK sends a successful response with default message "success"
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// OKMsg sends a successful response with custom message
func OKMsg(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Fail sends an error response with specified HTTP status, business code, and message
func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr sends an error response from an AppError
// If AppError.Err is not nil, it will be logged but not returned to client
func FailErr(c *gin.Context, err *AppError) {
	if err.Err != nil {
		logrus.WithFields(logrus.Fields{
			"code": err.Code,
			"path": c.FullPath(),
		}).WithError(err.Err).Error(err.Message)
	}

	c.JSON(err.HTTPStatus, Response{
		Code:    err.Code,
		Message: err.Message,
		Data:    err.Data,
	})
}

// FailAny sends an error response for any error returned by a service
func FailAny(c *gin.Context, err error) {
	FailErr(c, AsAppError(err))
}

// PageData is the paginated list envelope consumed by the console
type PageData struct {
	Current int   `json:"current"`
	Size    int   `json:"size"`
	Total   int64 `json:"total"`
	Records any   `json:"records"`
}

// PageQuery holds the common paging parameters
type PageQuery struct {
	Current int `form:"current"`
	Size    int `form:"size"`
}

// Normalize applies defaults: current=1, size=20, max size 100
func (q *PageQuery) Normalize() {
	if q.Current <= 0 {
		q.Current = 1
	}
	if q.Size <= 0 {
		q.Size = 20
	}
	if q.Size > 100 {
		q.Size = 100
	}
}

// Offset returns the row offset of the current page
func (q PageQuery) Offset() int {
	return (q.Current - 1) * q.Size
}

// OKPage sends a successful paginated response
func OKPage(c *gin.Context, records any, total int64, q PageQuery) {
	OK(c, PageData{
		Current: q.Current,
		Size:    q.Size,
		Total:   total,
		Records: records,
	})
}
