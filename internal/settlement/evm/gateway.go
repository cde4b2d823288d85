// Package evm 通过 EVM 兼容链上的原生币转账实现结算网关。
//
// 付款方与平台托管地址都是平台持有私钥的托管账户；幂等键对应的已签名交易
// 先写入 Journal 再广播，重复调用只会重新广播同一笔交易。
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

// Config 描述链上结算参数。
type Config struct {
	RPCURL  string `json:"rpc_url" yaml:"rpc_url"`
	ChainID int64  `json:"chain_id" yaml:"chain_id"`
	// Decimals 是资产最小单位的小数位数，原生币通常为 18。
	Decimals int32 `json:"decimals" yaml:"decimals"`
	GasLimit uint64 `json:"gas_limit" yaml:"gas_limit"`
	// CustodialKeys 是托管账户的十六进制私钥。
	CustodialKeys  []string      `json:"custodial_keys" yaml:"custodial_keys"`
	ReceiptTimeout time.Duration `json:"receipt_timeout" yaml:"receipt_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

func (c *Config) applyDefaults() {
	if c.Decimals <= 0 {
		c.Decimals = 18
	}
	if c.GasLimit == 0 {
		c.GasLimit = 21000
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Backend 是网关依赖的链访问接口，*ethclient.Client 满足该接口。
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Gateway 实现 settlement.Gateway。
type Gateway struct {
	cfg     Config
	backend Backend
	journal Journal
	signer  coretypes.Signer
	keys    map[common.Address]*ecdsa.PrivateKey
	clock   func() time.Time
	log     *slog.Logger
	closer  func()

	// mu 串行化取 nonce、签名与写日志，避免同一账户的并发交易复用 nonce。
	mu sync.Mutex
}

// Dial 连接 RPC 节点并构造网关。未配置链 ID 时从节点读取。
func Dial(ctx context.Context, cfg Config, journal Journal) (*Gateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	if cfg.ChainID == 0 {
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		cfg.ChainID = chainID.Int64()
	}
	gw, err := New(cfg, eth, journal)
	if err != nil {
		eth.Close()
		return nil, err
	}
	gw.closer = eth.Close
	return gw, nil
}

// New 使用给定的链访问后端构造网关。
func New(cfg Config, backend Backend, journal Journal) (*Gateway, error) {
	cfg.applyDefaults()
	if backend == nil {
		return nil, errors.New("链访问后端不能为空")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("链 ID 必须为正数")
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(cfg.CustodialKeys))
	for i, raw := range cfg.CustodialKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 个托管私钥失败: %w", i+1, err)
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return &Gateway{
		cfg:     cfg,
		backend: backend,
		journal: journal,
		signer:  coretypes.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		keys:    keys,
		clock:   time.Now,
		log:     logger.Named("settlement.evm"),
	}, nil
}

// Accounts 返回全部托管账户地址。
func (g *Gateway) Accounts() []string {
	out := make([]string, 0, len(g.keys))
	for addr := range g.keys {
		out = append(out, addr.Hex())
	}
	return out
}

// Close 释放 RPC 连接。
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// Transfer 实现 settlement.Gateway。
func (g *Gateway) Transfer(ctx context.Context, req settlement.TransferRequest) (settlement.Receipt, error) {
	if req.IdempotencyKey == "" {
		return settlement.Receipt{}, settlement.Declined("缺少幂等键")
	}
	record, err := g.prepare(ctx, req)
	if err != nil {
		return settlement.Receipt{}, err
	}
	return g.await(ctx, req, record)
}

// prepare 返回幂等键对应的已签名交易，首次调用时签名并写入日志。
func (g *Gateway) prepare(ctx context.Context, req settlement.TransferRequest) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, found, err := g.journal.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return Record{}, settlement.Unavailable(err, "读取交易日志失败")
	}
	if found {
		return record, nil
	}

	if !common.IsHexAddress(req.From) || !common.IsHexAddress(req.To) {
		return Record{}, settlement.Declined(fmt.Sprintf("无效的链上地址: %s -> %s", req.From, req.To))
	}
	from := common.HexToAddress(req.From)
	key, ok := g.keys[from]
	if !ok {
		return Record{}, settlement.Declined("付款地址 " + from.Hex() + " 不是托管账户")
	}
	value, err := g.toBaseUnits(req.Amount.Amount)
	if err != nil {
		return Record{}, settlement.Declined(err.Error())
	}
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return Record{}, settlement.Unavailable(err, "查询 nonce 失败")
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Record{}, settlement.Unavailable(err, "查询 gas 价格失败")
	}
	to := common.HexToAddress(req.To)
	tx, err := coretypes.SignTx(coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      g.cfg.GasLimit,
		GasPrice: gasPrice,
	}), g.signer, key)
	if err != nil {
		return Record{}, settlement.Declined("签名交易失败: " + err.Error())
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Record{}, settlement.Declined("序列化交易失败: " + err.Error())
	}
	record = Record{
		IdempotencyKey: req.IdempotencyKey,
		TxHash:         tx.Hash().Hex(),
		RawTx:          hex.EncodeToString(raw),
		From:           from.Hex(),
		To:             to.Hex(),
		Amount:         req.Amount.Amount.String(),
		Asset:          req.Amount.Asset,
		Nonce:          nonce,
		CreatedAt:      g.clock().UTC(),
	}
	if err := g.journal.Put(ctx, record); err != nil {
		if errors.Is(err, ErrJournaled) {
			existing, _, getErr := g.journal.Get(ctx, req.IdempotencyKey)
			if getErr == nil {
				return existing, nil
			}
		}
		return Record{}, settlement.Unavailable(err, "写入交易日志失败")
	}
	g.log.Info("已签名链上转账",
		slog.String("key", req.IdempotencyKey),
		slog.String("tx_hash", record.TxHash),
		slog.Uint64("nonce", nonce),
	)
	return record, nil
}

// await 广播交易（重复广播是安全的）并等待回执。
func (g *Gateway) await(ctx context.Context, req settlement.TransferRequest, record Record) (settlement.Receipt, error) {
	hash := common.HexToHash(record.TxHash)
	if receipt, err := g.backend.TransactionReceipt(ctx, hash); err == nil {
		return g.confirm(req, record, receipt)
	} else if !errors.Is(err, gethcore.NotFound) {
		return settlement.Receipt{}, settlement.Unavailable(err, "查询交易回执失败")
	}

	if err := g.broadcast(ctx, record); err != nil {
		return settlement.Receipt{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return g.confirm(req, record, receipt)
		}
		if !errors.Is(err, gethcore.NotFound) {
			return settlement.Receipt{}, settlement.Unavailable(err, "查询交易回执失败")
		}
		select {
		case <-waitCtx.Done():
			return settlement.Receipt{}, settlement.Unavailable(waitCtx.Err(), "交易 "+record.TxHash+" 尚未确认")
		case <-ticker.C:
		}
	}
}

func (g *Gateway) broadcast(ctx context.Context, record Record) error {
	raw, err := hex.DecodeString(record.RawTx)
	if err != nil {
		return settlement.Declined("交易日志损坏: " + err.Error())
	}
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return settlement.Declined("交易日志损坏: " + err.Error())
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return settlement.Unavailable(err, "广播交易失败")
	}
	return nil
}

func (g *Gateway) confirm(req settlement.TransferRequest, record Record, receipt *coretypes.Receipt) (settlement.Receipt, error) {
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return settlement.Receipt{}, settlement.Declined("交易 " + record.TxHash + " 执行失败")
	}
	amount, _ := decimal.NewFromString(record.Amount)
	asset := record.Asset
	if req.Amount.Asset != "" {
		asset = req.Amount.Asset
	}
	out := settlement.Receipt{
		IdempotencyKey: record.IdempotencyKey,
		ExternalRef:    record.TxHash,
		ConfirmedAt:    g.clock().UTC(),
	}
	out.Amount.Amount = amount
	out.Amount.Asset = asset
	return out, nil
}

// Lookup 实现 settlement.Gateway。交易已签名但尚未上链时返回 Unavailable，
// 防止调用方误判为从未转账。
func (g *Gateway) Lookup(ctx context.Context, key string) (settlement.Receipt, bool, error) {
	record, found, err := g.journal.Get(ctx, key)
	if err != nil {
		return settlement.Receipt{}, false, settlement.Unavailable(err, "读取交易日志失败")
	}
	if !found {
		return settlement.Receipt{}, false, nil
	}
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(record.TxHash))
	if errors.Is(err, gethcore.NotFound) {
		return settlement.Receipt{}, false, settlement.Unavailable(err, "交易 "+record.TxHash+" 尚未确认")
	}
	if err != nil {
		return settlement.Receipt{}, false, settlement.Unavailable(err, "查询交易回执失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return settlement.Receipt{}, false, nil
	}
	out, err := g.confirm(settlement.TransferRequest{}, record, receipt)
	return out, err == nil, err
}

// toBaseUnits 将十进制金额换算为链上最小单位，不允许截断。
func (g *Gateway) toBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("转账金额必须为正数: %s", amount)
	}
	scaled := amount.Shift(g.cfg.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("金额 %s 超出 %d 位精度", amount, g.cfg.Decimals)
	}
	return scaled.BigInt(), nil
}

var _ settlement.Gateway = (*Gateway)(nil)
