package watcher

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/config"
	"github.com/lnwatch/lnwatchd/internal/state"
	log "github.com/sirupsen/logrus"
)

// Channel is the key-aware channel object the wallet watcher defends.
// It knows how to derive claims from a closing transaction and how to
// recover preimages from a counterparty's claims.
type Channel interface {
	// ID is a short identifier for logs.
	ID() string

	// SweepCtx detects who closed and returns the claimable outputs
	// of the closing transaction, keyed by prevout.
	SweepCtx(closingTx *wire.MsgTx) (map[Outpoint]*SweepCandidate, error)

	// MaybeSweepHTLCs returns second-stage sweep opportunities opened
	// by spenderTx spending an output of closingTx.
	MaybeSweepHTLCs(closingTx, spenderTx *wire.MsgTx) map[Outpoint]*SweepCandidate

	// ExtractPreimageFromHTLCTxIn recovers a revealed payment
	// preimage from an HTLC-claiming input, if present, and records it
	// so the mirror HTLC on another channel can be settled.
	ExtractPreimageFromHTLCTxIn(txIn *wire.TxIn)

	// UpdateOnchainState records the latest on-chain observation.
	UpdateOnchainState(update ChannelStateUpdate)

	// ClearSweepCache drops cached sweep derivations so the next pass
	// recomputes them.
	ClearSweepCache()
}

// ChannelRegistry resolves funding outpoints to live channel objects.
type ChannelRegistry interface {
	ChannelByFundingOutpoint(funding Outpoint) Channel
	Channels() []Channel
}

// SweepQueue is the wallet's pending-sweep sink; entries are
// fee-bumped and broadcast outside this package.
type SweepQueue interface {
	EnqueueSweep(candidate *SweepCandidate)
}

// WalletWatcher is the live-channel watcher variant: it derives sweep
// transactions from channel keys on the fly and escalates across
// commitment, first-stage and second-stage HTLC outputs.
type WalletWatcher struct {
	*Watcher

	channels ChannelRegistry
	sweeps   SweepQueue

	// settling HTLCs on-chain forfeits revocation protection as well,
	// so it stays off unless explicitly enabled
	enableHTLCSettleOnchain bool
}

var _ CloseResolver = (*WalletWatcher)(nil)
var _ sweepCacheInvalidator = (*WalletWatcher)(nil)

func NewWalletWatcher(index btc.ChainIndex, st *state.State, channels ChannelRegistry, sweeps SweepQueue) *WalletWatcher {
	ww := &WalletWatcher{
		Watcher:                 newWatcher(index, st),
		channels:                channels,
		sweeps:                  sweeps,
		enableHTLCSettleOnchain: config.AppConfig.EnableHTLCSettleOnchain,
	}
	ww.Watcher.resolver = ww
	return ww
}

// InvalidateSweepCache runs before every tip-advanced pass: the sweep
// set can change with any block (hold invoice preimage revealed, MPP
// completed), so cached derivations must not survive it.
func (ww *WalletWatcher) InvalidateSweepCache() {
	for _, ch := range ww.channels.Channels() {
		ch.ClearSweepCache()
	}
}

// ResolveCloseTx checks for redeemable outputs of the commitment
// transaction, or spenders down the line (HTLC-timeout/success
// transactions), and reports whether monitoring must continue. All
// failures are contained: a malformed candidate or an index hiccup
// keeps the channel watched and is retried on the next chain event.
func (ww *WalletWatcher) ResolveCloseTx(ctx context.Context, funding Outpoint, closingTx *wire.MsgTx) bool {
	chann := ww.channels.ChannelByFundingOutpoint(funding)
	if chann == nil {
		// nothing left to protect
		return false
	}

	// detect who closed and get information about how to claim outputs
	sweepInfo, err := chann.SweepCtx(closingTx)
	if err != nil {
		log.Errorf("Sweep derivation failed for %s: %v", chann.ID(), err)
		return true
	}
	keepWatching := false
	if len(sweepInfo) == 0 {
		keepWatching = !ww.isDeeplyMined(closingTx.TxID())
	}

	for prevout, candidate := range sweepInfo {
		if ctx.Err() != nil {
			return true
		}
		keepWatching = ww.resolveCandidate(chann, closingTx, prevout, candidate) || keepWatching
	}
	return keepWatching
}

func (ww *WalletWatcher) resolveCandidate(chann Channel, closingTx *wire.MsgTx,
	prevout Outpoint, candidate *SweepCandidate) bool {

	name := candidate.Name + " " + chann.ID()

	prevTx, err := ww.index.GetTransaction(prevout.Txid)
	if err != nil {
		log.Errorf("Failed to fetch prevout tx for %s: %v", name, err)
		return true
	}
	if prevTx == nil {
		// do not keep watching if prevout does not exist
		log.Infof("Prevout does not exist for %s: %s", name, prevout)
		return false
	}

	spenderTxid, err := ww.getSpender(prevout)
	if err != nil {
		log.Errorf("Failed to resolve spender of %s for %s: %v", prevout, name, err)
		return true
	}
	if spenderTxid == "" {
		// unclaimed, broadcast or keep bumping our own claim
		ww.maybeRedeem(candidate)
		return true
	}

	spenderTx, err := ww.index.GetTransaction(spenderTxid)
	if err != nil {
		log.Errorf("Failed to fetch spender %s for %s: %v", spenderTxid, name, err)
		return true
	}
	if spenderTx == nil {
		// the index knows the spending txid but not the tx itself yet;
		// keep our own claim in flight meanwhile
		log.Infof("Spender %s of %s not fetched yet", spenderTxid, name)
		ww.maybeRedeem(candidate)
		return true
	}

	// the spender might be the remote, revoked or not
	keepWatching := ww.sweepSecondStageHTLCs(chann, closingTx, spenderTx)
	keepWatching = !ww.isDeeplyMined(spenderTxid) || keepWatching

	// even a successful remote claim reveals the preimage we need to
	// settle the mirror HTLC on another channel
	if idx := inputIndexSpending(spenderTx, prevout); idx >= 0 {
		chann.ExtractPreimageFromHTLCTxIn(spenderTx.TxIn[idx])
	}
	return keepWatching
}

func (ww *WalletWatcher) sweepSecondStageHTLCs(chann Channel, closingTx, spenderTx *wire.MsgTx) bool {
	keepWatching := false
	for prevout2, htlcCandidate := range chann.MaybeSweepHTLCs(closingTx, spenderTx) {
		htlcSpender, err := ww.getSpender(prevout2)
		if err != nil {
			log.Errorf("Failed to resolve second-stage spender of %s: %v", prevout2, err)
			keepWatching = true
			continue
		}
		if htlcSpender != "" {
			keepWatching = !ww.isDeeplyMined(htlcSpender) || keepWatching
		} else {
			keepWatching = true
			ww.maybeRedeem(htlcCandidate)
		}
	}
	return keepWatching
}

// maybeRedeem hands a candidate to the pending-sweep queue. A
// candidate with no timelock at all is an immediate settlement that
// also forfeits revocation, so it only proceeds when explicitly
// enabled.
func (ww *WalletWatcher) maybeRedeem(candidate *SweepCandidate) {
	if candidate.CltvAbs == 0 && candidate.CsvDelay == 0 {
		if !ww.enableHTLCSettleOnchain {
			return
		}
	}
	ww.sweeps.EnqueueSweep(candidate)
}

func (ww *WalletWatcher) PersistChannelState(ctx context.Context, update ChannelStateUpdate) error {
	chann := ww.channels.ChannelByFundingOutpoint(update.FundingOutpoint)
	if chann == nil {
		return nil
	}
	chann.UpdateOnchainState(update)
	return nil
}

func (ww *WalletWatcher) OnChannelUnwatched(funding Outpoint) error {
	return nil
}

// inputIndexSpending returns the index of the input of tx that spends
// prevout, or -1.
func inputIndexSpending(tx *wire.MsgTx, prevout Outpoint) int {
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint.Hash.String() == prevout.Txid &&
			txIn.PreviousOutPoint.Index == prevout.Index {
			return i
		}
	}
	return -1
}
