package market

import (
	stdErrors "errors"

	xerrors "IntentMesh/internal/errors"
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeIntentNotFound  xerrors.Code = "INTENT_NOT_FOUND"
	CodeMatchNotFound   xerrors.Code = "MATCH_NOT_FOUND"
	CodeEscrowNotFound  xerrors.Code = "ESCROW_NOT_FOUND"
	CodeDuplicateEscrow xerrors.Code = "DUPLICATE_ESCROW"
	CodeDuplicateEntry  xerrors.Code = "DUPLICATE_LEDGER_ENTRY"
)

var (
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrIntentNotFound 表示意图不存在。
	ErrIntentNotFound = xerrors.New(CodeIntentNotFound, "intent not found")
	// ErrMatchNotFound 表示撮合记录不存在。
	ErrMatchNotFound = xerrors.New(CodeMatchNotFound, "match not found")
	// ErrEscrowNotFound 表示托管账户不存在。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "escrow not found")
	// ErrDuplicateEscrow 表示该撮合已经存在托管账户。
	ErrDuplicateEscrow = xerrors.New(CodeDuplicateEscrow, "escrow already exists for match")
	// ErrDuplicateEntry 表示相同幂等键的账本条目已经写入。
	ErrDuplicateEntry = xerrors.New(CodeDuplicateEntry, "ledger entry already recorded")
	// ErrVersionConflict 表示条件写入时版本号不匹配。
	ErrVersionConflict = xerrors.New(xerrors.CodeVersionConflict, "entity version changed")
	// ErrConflict 表示当前状态不允许请求的操作。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "")
	// ErrStaleState 表示乐观并发检查失败后重新读取的状态已经不满足前置条件。
	ErrStaleState = xerrors.New(xerrors.CodeStaleState, "")
	// ErrPreconditionFailed 表示操作所需的关联状态不满足。
	ErrPreconditionFailed = xerrors.New(xerrors.CodePreconditionFailed, "")
)

func init() {
	for _, code := range []xerrors.Code{CodeAgentNotFound, CodeIntentNotFound, CodeMatchNotFound, CodeEscrowNotFound} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  "resource not found",
			Severity: xerrors.SeverityInfo,
			Class:    xerrors.ClassInput,
		})
	}
	xerrors.Register(CodeDuplicateEscrow, xerrors.Attributes{
		Message:  "escrow already exists for match",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassLocal,
	})
	xerrors.Register(CodeDuplicateEntry, xerrors.Attributes{
		Message:  "ledger entry already recorded",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassLocal,
	})
}

// IsNotFound 判断错误是否表示实体不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrAgentNotFound) ||
		stdErrors.Is(err, ErrIntentNotFound) ||
		stdErrors.Is(err, ErrMatchNotFound) ||
		stdErrors.Is(err, ErrEscrowNotFound)
}

// Conflictf 构造带上下文的 CONFLICT 错误。
func Conflictf(format string, args ...any) error {
	return xerrors.Newf(xerrors.CodeConflict, format, args...)
}

// Stalef 构造带上下文的 STALE_STATE 错误。
func Stalef(format string, args ...any) error {
	return xerrors.Newf(xerrors.CodeStaleState, format, args...)
}

// Preconditionf 构造带上下文的 PRECONDITION_FAILED 错误。
func Preconditionf(format string, args ...any) error {
	return xerrors.Newf(xerrors.CodePreconditionFailed, format, args...)
}
