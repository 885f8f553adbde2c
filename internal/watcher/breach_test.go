package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type walletFixture struct {
	idx      *mockIndex
	registry *mockRegistry
	queue    *mockSweepQueue
	ww       *WalletWatcher
}

func newWalletFixture() *walletFixture {
	idx := newMockIndex()
	registry := &mockRegistry{channels: make(map[Outpoint]Channel)}
	queue := &mockSweepQueue{}
	ww := NewWalletWatcher(idx, state.InitializeState(), registry, queue)
	return &walletFixture{idx: idx, registry: registry, queue: queue, ww: ww}
}

func TestResolveCloseTxWithoutChannel(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))

	// no channel object left means nothing to protect
	assert.False(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
}

func TestResolveCloseTxNoCandidates(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	f.registry.channels[funding] = &mockChannel{id: "chan1"}

	// nothing to sweep, shallow close: wait for it to become deep
	f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 5})
	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))

	// deep close: done
	f.idx.setHeight(closingTx.TxID(), btc.TxMinedInfo{Height: 10, Conf: 500})
	assert.False(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
}

func TestResolveCloseTxSweepDerivationFailure(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 500})
	f.registry.channels[funding] = &mockChannel{
		id:       "chan1",
		sweepErr: errors.New("keys unavailable"),
	}

	// a derivation failure must never retire the channel
	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
}

func TestResolveCloseTxUnclaimedOutputEnqueued(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	closingTxid := f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 5})

	prevout := NewOutpoint(closingTxid, 0)
	candidate := &SweepCandidate{Name: "our_ctx_to_local", Prevout: prevout, CsvDelay: 144}
	f.registry.channels[funding] = &mockChannel{
		id:        "chan1",
		sweepInfo: map[Outpoint]*SweepCandidate{prevout: candidate},
	}

	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
	require.Len(t, f.queue.candidates(), 1)
	assert.Same(t, candidate, f.queue.candidates()[0])
}

func TestResolveCloseTxMissingPrevoutDropped(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 500})

	// candidate referencing a transaction the index never saw
	prevout := NewOutpoint(makeRootTx(t, 9, p2wpkhScript(0xcc)).TxID(), 0)
	f.registry.channels[funding] = &mockChannel{
		id: "chan1",
		sweepInfo: map[Outpoint]*SweepCandidate{
			prevout: {Name: "ghost", Prevout: prevout, CsvDelay: 1},
		},
	}

	assert.False(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
	assert.Empty(t, f.queue.candidates())
}

// The index can know which txid spends a prevout before it has fetched
// the transaction itself. Until it arrives, our own claim stays in
// flight instead of stalling for a pass.
func TestResolveCloseTxUnfetchedSpenderKeepsClaimInFlight(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	closingTxid := f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 500})

	prevout := NewOutpoint(closingTxid, 0)
	claimTx := makeTx(t, []Outpoint{prevout}, p2wpkhScript(0xcc))
	claimTxid := claimTx.TxID()
	// spend known, tx body not indexed yet
	f.idx.spent[prevout.String()] = claimTxid
	f.idx.setHeight(claimTxid, btc.TxMinedInfo{Height: 11, Conf: 1})

	candidate := &SweepCandidate{Name: "our_htlc", Prevout: prevout, CsvDelay: 144}
	f.registry.channels[funding] = &mockChannel{
		id:        "chan1",
		sweepInfo: map[Outpoint]*SweepCandidate{prevout: candidate},
	}

	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
	require.Len(t, f.queue.candidates(), 1)
	assert.Same(t, candidate, f.queue.candidates()[0])
}

func TestResolveCloseTxSpentOutputExtractsPreimage(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	closingTxid := f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 500})

	prevout := NewOutpoint(closingTxid, 0)
	claimTx := makeTx(t, []Outpoint{prevout}, p2wpkhScript(0xcc))
	f.idx.addTx(claimTx, btc.TxMinedInfo{Height: 11, Conf: 3})

	chann := &mockChannel{
		id: "chan1",
		sweepInfo: map[Outpoint]*SweepCandidate{
			prevout: {Name: "their_htlc", Prevout: prevout, CltvAbs: 900},
		},
	}
	f.registry.channels[funding] = chann

	// remote claim is shallow, keep watching; the revealed preimage is
	// recovered either way
	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
	require.Len(t, chann.extracted, 1)
	assert.Same(t, claimTx.TxIn[0], chann.extracted[0])

	// once the claim is deep there is nothing left to do
	f.idx.setHeight(claimTx.TxID(), btc.TxMinedInfo{Height: 11, Conf: 500})
	assert.False(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
}

func TestResolveCloseTxSecondStageEscalation(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	closingTx := makeTx(t, []Outpoint{funding}, p2wpkhScript(0xbb))
	closingTxid := f.idx.addTx(closingTx, btc.TxMinedInfo{Height: 10, Conf: 500})

	prevout := NewOutpoint(closingTxid, 0)
	htlcTx := makeTx(t, []Outpoint{prevout}, p2wpkhScript(0xcc))
	htlcTxid := f.idx.addTx(htlcTx, btc.TxMinedInfo{Height: 11, Conf: 500})

	secondStage := NewOutpoint(htlcTxid, 0)
	htlcCandidate := &SweepCandidate{Name: "second_stage", Prevout: secondStage, CsvDelay: 144}
	f.registry.channels[funding] = &mockChannel{
		id: "chan1",
		sweepInfo: map[Outpoint]*SweepCandidate{
			prevout: {Name: "first_stage", Prevout: prevout, CsvDelay: 144},
		},
		htlcs: map[Outpoint]*SweepCandidate{secondStage: htlcCandidate},
	}

	// first stage deep, but its output opens a second-stage sweep
	assert.True(t, f.ww.ResolveCloseTx(context.Background(), funding, closingTx))
	require.Len(t, f.queue.candidates(), 1)
	assert.Same(t, htlcCandidate, f.queue.candidates()[0])
}

func TestMaybeRedeemGatesImmediateSettlement(t *testing.T) {
	f := newWalletFixture()

	immediate := &SweepCandidate{Name: "their_htlc_preimage"}
	f.ww.maybeRedeem(immediate)
	assert.Empty(t, f.queue.candidates())

	f.ww.enableHTLCSettleOnchain = true
	f.ww.maybeRedeem(immediate)
	require.Len(t, f.queue.candidates(), 1)

	// timelocked candidates are never gated
	f.ww.enableHTLCSettleOnchain = false
	f.ww.maybeRedeem(&SweepCandidate{Name: "to_local", CsvDelay: 144})
	assert.Len(t, f.queue.candidates(), 2)
}

func TestInvalidateSweepCache(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	chann := &mockChannel{id: "chan1"}
	f.registry.channels[funding] = chann

	f.ww.InvalidateSweepCache()
	f.ww.InvalidateSweepCache()
	assert.Equal(t, 2, chann.cleared)
}

func TestPersistChannelStateForwardsToChannel(t *testing.T) {
	f := newWalletFixture()
	funding := NewOutpoint(makeRootTx(t, 1, p2wpkhScript(0xaa)).TxID(), 0)
	chann := &mockChannel{id: "chan1"}
	f.registry.channels[funding] = chann

	update := ChannelStateUpdate{FundingOutpoint: funding, KeepWatching: true}
	require.NoError(t, f.ww.PersistChannelState(context.Background(), update))
	require.Len(t, chann.updates, 1)
	assert.Equal(t, update, chann.updates[0])

	// unknown channel is not an error
	other := NewOutpoint(makeRootTx(t, 2, p2wpkhScript(0xbb)).TxID(), 0)
	require.NoError(t, f.ww.PersistChannelState(context.Background(), ChannelStateUpdate{FundingOutpoint: other}))
}
