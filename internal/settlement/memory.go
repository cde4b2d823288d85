package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "IntentMesh/internal/errors"
)

// Fault 描述 MemoryGateway 下一次调用的故障行为。
type Fault int

const (
	// FaultUnavailable 不执行划转并返回可重试错误。
	FaultUnavailable Fault = iota + 1
	// FaultDeclined 拒绝划转。
	FaultDeclined
	// FaultLostReply 执行划转但丢失回执，模拟调用方在网关成功后崩溃。
	FaultLostReply
)

// MemoryGateway 在内存中模拟支付通道，回执编号依次为 tx1、tx2……
type MemoryGateway struct {
	mu        sync.Mutex
	seq       int
	receipts  map[string]Receipt
	balances  map[string]decimal.Decimal
	faults    []Fault
	transfers int
	clock     func() time.Time
}

// NewMemoryGateway 构造 MemoryGateway。
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		receipts: make(map[string]Receipt),
		balances: make(map[string]decimal.Decimal),
		clock:    time.Now,
	}
}

// Inject 追加下一次调用要触发的故障，按顺序消费。
func (g *MemoryGateway) Inject(faults ...Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = append(g.faults, faults...)
}

// Transfers 返回实际执行过的划转次数。
func (g *MemoryGateway) Transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

// Balance 返回地址的净余额变化。
func (g *MemoryGateway) Balance(address string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[strings.ToLower(address)]
}

// Transfer 实现 Gateway。
func (g *MemoryGateway) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, Unavailable(err, "调用已取消")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "幂等键不能为空")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var fault Fault
	if len(g.faults) > 0 {
		fault = g.faults[0]
		g.faults = g.faults[1:]
	}
	switch fault {
	case FaultUnavailable:
		return Receipt{}, Unavailable(nil, "模拟网关不可用")
	case FaultDeclined:
		return Receipt{}, Declined("模拟网关拒绝转账")
	}
	if receipt, ok := g.receipts[req.IdempotencyKey]; ok {
		if fault == FaultLostReply {
			return Receipt{}, Unavailable(nil, "模拟回执丢失")
		}
		return receipt, nil
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		return Receipt{}, Declined("转出或转入地址为空")
	}
	if !req.Amount.Amount.IsPositive() {
		return Receipt{}, Declined("转账金额必须为正数")
	}

	g.seq++
	receipt := Receipt{
		IdempotencyKey: req.IdempotencyKey,
		ExternalRef:    fmt.Sprintf("tx%d", g.seq),
		Amount:         req.Amount,
		ConfirmedAt:    g.clock().UTC(),
	}
	g.receipts[req.IdempotencyKey] = receipt
	g.transfers++
	from, to := strings.ToLower(req.From), strings.ToLower(req.To)
	g.balances[from] = g.balances[from].Sub(req.Amount.Amount)
	g.balances[to] = g.balances[to].Add(req.Amount.Amount)

	if fault == FaultLostReply {
		return Receipt{}, Unavailable(nil, "模拟回执丢失")
	}
	return receipt, nil
}

// Lookup 实现 Gateway。
func (g *MemoryGateway) Lookup(_ context.Context, key string) (Receipt, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	receipt, ok := g.receipts[key]
	return receipt, ok, nil
}

var _ Gateway = (*MemoryGateway)(nil)
