// Package settlement 定义结算网关的窄接口以及通用装饰器。
//
// 核心状态机只依赖 Gateway 接口；具体支付通道（内存模拟、EVM 链上转账）
// 都是可替换的适配器。同一幂等键的重复调用必须收敛到同一笔转账。
package settlement

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

const (
	// CodeUnavailable 表示网关暂时不可用，可以使用相同幂等键重试。
	CodeUnavailable xerrors.Code = "GATEWAY_UNAVAILABLE"
	// CodeDeclined 表示网关明确拒绝转账，属于终态。
	CodeDeclined xerrors.Code = "GATEWAY_DECLINED"
)

var (
	// ErrUnavailable 用于 errors.Is 判断。
	ErrUnavailable = xerrors.New(CodeUnavailable, "settlement gateway unavailable")
	// ErrDeclined 用于 errors.Is 判断。
	ErrDeclined = xerrors.New(CodeDeclined, "settlement gateway declined transfer")
)

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "settlement gateway unavailable",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassTransient,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDeclined, xerrors.Attributes{
		Message:  "settlement gateway declined transfer",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassTerminal,
	})
}

// Unavailable 包装一个可重试的网关错误。
func Unavailable(cause error, message string) error {
	return xerrors.Wrap(CodeUnavailable, cause, message)
}

// Declined 构造一个终态拒绝错误。
func Declined(message string) error {
	return xerrors.New(CodeDeclined, message)
}

// IsUnavailable 判断错误是否可以重试。
func IsUnavailable(err error) bool {
	return stdErrors.Is(err, ErrUnavailable)
}

// IsDeclined 判断错误是否为终态拒绝。
func IsDeclined(err error) bool {
	return stdErrors.Is(err, ErrDeclined)
}

// TransferRequest 描述一次资金划转。
type TransferRequest struct {
	IdempotencyKey string
	From           string
	To             string
	Amount         market.Money
}

// Receipt 是网关确认成功的转账回执。
type Receipt struct {
	IdempotencyKey string       `json:"idempotency_key"`
	ExternalRef    string       `json:"external_ref"`
	Amount         market.Money `json:"amount"`
	ConfirmedAt    time.Time    `json:"confirmed_at"`
}

// Gateway 是外部支付通道的窄接口。
type Gateway interface {
	// Transfer 执行划转。相同幂等键的重复调用不得重复划转，只返回首次结果。
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	// Lookup 按幂等键查询已确认的转账，用于崩溃恢复。
	Lookup(ctx context.Context, idempotencyKey string) (Receipt, bool, error)
}
