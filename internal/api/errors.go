package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/escrow"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/market"
	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

// CodeForbidden 表示调用方不是资源的所有者。
const CodeForbidden xerrors.Code = "FORBIDDEN"

func init() {
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:  "caller does not own the resource",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassInput,
	})
}

// errorBody 是所有失败响应的统一结构。
type errorBody struct {
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:    http.StatusBadRequest,
	CodeForbidden:                  http.StatusForbidden,
	xerrors.CodeNotFound:           http.StatusNotFound,
	market.CodeAgentNotFound:       http.StatusNotFound,
	market.CodeIntentNotFound:      http.StatusNotFound,
	market.CodeMatchNotFound:       http.StatusNotFound,
	market.CodeEscrowNotFound:      http.StatusNotFound,
	xerrors.CodeConflict:           http.StatusConflict,
	xerrors.CodeStaleState:         http.StatusConflict,
	xerrors.CodeVersionConflict:    http.StatusConflict,
	market.CodeDuplicateEscrow:     http.StatusConflict,
	xerrors.CodePreconditionFailed: http.StatusUnprocessableEntity,
	escrow.CodeNotFunded:           http.StatusUnprocessableEntity,
	settlement.CodeDeclined:        http.StatusPaymentRequired,
	settlement.CodeUnavailable:     http.StatusServiceUnavailable,
	xerrors.CodeTimeout:            http.StatusGatewayTimeout,
	ledger.CodeInconsistent:        http.StatusInternalServerError,
}

// statusOf 将错误码映射为 HTTP 状态码，未知错误统一视为 500。
func statusOf(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func bodyOf(err error) errorBody {
	coded, ok := xerrors.From(err)
	if !ok {
		return errorBody{Code: xerrors.CodeUnknown, Message: xerrors.AttributesOf(xerrors.CodeUnknown).Message}
	}
	message := coded.Message()
	if message == "" {
		message = xerrors.AttributesOf(coded.Code()).Message
	}
	return errorBody{Code: coded.Code(), Message: message, Retryable: coded.Retryable()}
}

// writeError 输出统一错误结构。服务端错误额外记录日志。
func writeError(c *gin.Context, err error) {
	body := bodyOf(err)
	status := statusOf(body.Code)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败",
			slog.String("path", c.FullPath()),
			slog.String("code", string(body.Code)),
			slog.Any("error", err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	writeError(c, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func forbidden(c *gin.Context, message string) {
	writeError(c, xerrors.New(CodeForbidden, message))
}
