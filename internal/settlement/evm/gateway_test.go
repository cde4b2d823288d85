package evm

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"IntentMesh/internal/market"
	"IntentMesh/internal/settlement"
)

type fakeBackend struct {
	mu       sync.Mutex
	nonces   map[common.Address]uint64
	sent     []*coretypes.Transaction
	receipts map[common.Hash]*coretypes.Receipt
	sendErrs []error
	// autoMine 为 true 时广播成功即生成成功回执。
	autoMine bool
	status   uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*coretypes.Receipt),
		autoMine: true,
		status:   coretypes.ReceiptStatusSuccessful,
	}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	b.sent = append(b.sent, tx)
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	b.nonces[sender] = tx.Nonce() + 1
	if b.autoMine {
		b.receipts[tx.Hash()] = &coretypes.Receipt{Status: b.status, TxHash: tx.Hash()}
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fixture struct {
	gw      *Gateway
	backend *fakeBackend
	payer   common.Address
	payee   common.Address
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payeeKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	gw, err := New(Config{
		ChainID:        1337,
		CustodialKeys:  []string{"0x" + hex.EncodeToString(crypto.FromECDSA(payerKey))},
		ReceiptTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}, backend, nil)
	require.NoError(t, err)
	return fixture{
		gw:      gw,
		backend: backend,
		payer:   crypto.PubkeyToAddress(payerKey.PublicKey),
		payee:   crypto.PubkeyToAddress(payeeKey.PublicKey),
	}
}

func (f fixture) request(key, amount string) settlement.TransferRequest {
	money, _ := market.NewMoney(amount, "ETH")
	return settlement.TransferRequest{IdempotencyKey: key, From: f.payer.Hex(), To: f.payee.Hex(), Amount: money}
}

func TestTransferSignsForChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.gw.Transfer(ctx, f.request("e1:funded", "1.5"))
	require.NoError(t, err)
	require.Equal(t, "e1:funded", receipt.IdempotencyKey)
	require.Equal(t, 1, f.backend.sentCount())

	tx := f.backend.sent[0]
	require.Equal(t, receipt.ExternalRef, tx.Hash().Hex())
	require.Equal(t, int64(1337), tx.ChainId().Int64())
	require.Equal(t, uint64(21000), tx.Gas())
	wei, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	require.Equal(t, 0, wei.Cmp(tx.Value()))
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	require.Equal(t, f.payer, sender)
	require.Equal(t, f.payee, *tx.To())
}

func TestTransferIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gw.Transfer(ctx, f.request("e1:funded", "2"))
	require.NoError(t, err)
	second, err := f.gw.Transfer(ctx, f.request("e1:funded", "2"))
	require.NoError(t, err)
	require.Equal(t, first.ExternalRef, second.ExternalRef)
	require.Equal(t, 1, f.backend.sentCount())

	other, err := f.gw.Transfer(ctx, f.request("e2:funded", "2"))
	require.NoError(t, err)
	require.NotEqual(t, first.ExternalRef, other.ExternalRef)
	require.Equal(t, uint64(1), f.backend.sent[1].Nonce())
}

func TestTransferRebroadcastsAfterSendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.sendErrs = []error{stdErrors.New("connection reset")}

	_, err := f.gw.Transfer(ctx, f.request("e1:funded", "1"))
	require.True(t, settlement.IsUnavailable(err))
	require.Zero(t, f.backend.sentCount())

	_, found, err := f.gw.Lookup(ctx, "e1:funded")
	require.True(t, settlement.IsUnavailable(err))
	require.False(t, found)

	receipt, err := f.gw.Transfer(ctx, f.request("e1:funded", "1"))
	require.NoError(t, err)
	require.Equal(t, 1, f.backend.sentCount())
	require.Equal(t, uint64(0), f.backend.sent[0].Nonce())

	looked, found, err := f.gw.Lookup(ctx, "e1:funded")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, receipt.ExternalRef, looked.ExternalRef)
}

func TestTransferTimesOutWhilePending(t *testing.T) {
	f := newFixture(t)
	f.backend.autoMine = false

	_, err := f.gw.Transfer(context.Background(), f.request("e1:released", "1"))
	require.True(t, settlement.IsUnavailable(err))
	require.Equal(t, 1, f.backend.sentCount())
}

func TestTransferDeclines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request("k1", "1")
	req.From = f.payee.Hex()
	_, err := f.gw.Transfer(ctx, req)
	require.True(t, settlement.IsDeclined(err))

	req = f.request("k2", "1")
	req.To = "not-an-address"
	_, err = f.gw.Transfer(ctx, req)
	require.True(t, settlement.IsDeclined(err))

	_, err = f.gw.Transfer(ctx, f.request("k3", "0.0000000000000000001"))
	require.True(t, settlement.IsDeclined(err))

	_, err = f.gw.Transfer(ctx, f.request("", "1"))
	require.True(t, settlement.IsDeclined(err))
	require.Zero(t, f.backend.sentCount())
}

func TestRevertedTransferIsDeclined(t *testing.T) {
	f := newFixture(t)
	f.backend.status = coretypes.ReceiptStatusFailed
	ctx := context.Background()

	_, err := f.gw.Transfer(ctx, f.request("e1:funded", "1"))
	require.True(t, settlement.IsDeclined(err))

	_, found, err := f.gw.Lookup(ctx, "e1:funded")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLookupUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, found, err := f.gw.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ChainID: 1}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, newFakeBackend(), nil)
	require.Error(t, err)
	_, err = New(Config{ChainID: 1, CustodialKeys: []string{"zz"}}, newFakeBackend(), nil)
	require.Error(t, err)
}

func TestMemoryJournalRejectsOverwrite(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	require.NoError(t, j.Put(ctx, Record{IdempotencyKey: "k", TxHash: "0x1"}))
	require.ErrorIs(t, j.Put(ctx, Record{IdempotencyKey: "k", TxHash: "0x2"}), ErrJournaled)
	got, ok, err := j.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0x1", got.TxHash)
}
