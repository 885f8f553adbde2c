package watcher

import (
	"context"
	"math/rand"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/config"
	"github.com/lnwatch/lnwatchd/internal/state"
	log "github.com/sirupsen/logrus"
)

// ChannelStateUpdate is the per-pass snapshot handed to the variant
// for persistence.
type ChannelStateUpdate struct {
	FundingOutpoint Outpoint
	FundingTxid     string
	FundingHeight   btc.TxMinedInfo
	ClosingTxid     string
	ClosingHeight   btc.TxMinedInfo
	KeepWatching    bool
}

// CloseResolver is the variant-specific half of the watcher: how to
// react to an observed closing transaction, how to persist channel
// state, and what to clean up at retirement. Two implementations
// exist, the key-aware WalletWatcher and the replay-only Watchtower,
// selected at construction.
type CloseResolver interface {
	// ResolveCloseTx decides what to do about a confirmed closing
	// transaction and reports whether the channel still needs
	// watching. It must contain its own failures: nothing may
	// propagate out of a single channel's evaluation.
	ResolveCloseTx(ctx context.Context, funding Outpoint, closingTx *wire.MsgTx) bool

	// PersistChannelState records the outcome of a pass.
	PersistChannelState(ctx context.Context, update ChannelStateUpdate) error

	// OnChannelUnwatched runs the variant's retirement steps. An
	// error leaves the channel registered so retirement is retried on
	// the next chain event.
	OnChannelUnwatched(funding Outpoint) error
}

// sweepCacheInvalidator is implemented by variants whose sweep
// candidates can change with every block (preimage revealed, MPP
// completed) and must be recomputed rather than reused.
type sweepCacheInvalidator interface {
	InvalidateSweepCache()
}

// Watcher drives on-chain monitoring of payment channels: it keeps a
// re-evaluation callback per watched address, re-runs all of them on
// every chain event, and retires channels whose on-chain footprint is
// fully settled.
type Watcher struct {
	index    btc.ChainIndex
	st       *state.State
	resolver CloseResolver

	cbMu      sync.Mutex
	callbacks map[string]func(ctx context.Context)

	statusMu      sync.RWMutex
	channelStatus map[Outpoint]ChannelStatus

	deepConf int64
	params   *chaincfg.Params

	tipCh      chan interface{}
	verifiedCh chan interface{}
	syncCh     chan interface{}

	// one-slot latches fed from the bus subscriptions; a pending pass
	// absorbs any burst of equivalent events
	tipNotify      chan struct{}
	verifiedNotify chan struct{}
	syncNotify     chan struct{}

	wg sync.WaitGroup
}

func newWatcher(index btc.ChainIndex, st *state.State) *Watcher {
	deepConf := int64(config.AppConfig.DeepConfirmations)
	if deepConf == 0 {
		deepConf = 100
	}
	return &Watcher{
		index:         index,
		st:            st,
		callbacks:     make(map[string]func(ctx context.Context)),
		channelStatus: make(map[Outpoint]ChannelStatus),
		deepConf:      deepConf,
		params:        config.GetBTCNetwork(config.AppConfig.BTCNetworkType),
		tipCh:         make(chan interface{}, state.CHAIN_EVENT_CHAN_LENGTH),
		verifiedCh:    make(chan interface{}, state.CHAIN_EVENT_CHAN_LENGTH),
		syncCh:        make(chan interface{}, state.CHAIN_EVENT_CHAN_LENGTH),

		tipNotify:      make(chan struct{}, 1),
		verifiedNotify: make(chan struct{}, 1),
		syncNotify:     make(chan struct{}, 1),
	}
}

// Start subscribes to chain events and begins dispatching
// re-evaluation passes. Stop by cancelling ctx; an in-flight pass runs
// to completion.
func (w *Watcher) Start(ctx context.Context) {
	w.st.EventBus.Subscribe(state.EventTipAdvanced, w.tipCh)
	w.st.EventBus.Subscribe(state.EventTxVerified, w.verifiedCh)
	w.st.EventBus.Subscribe(state.EventSyncComplete, w.syncCh)

	w.wg.Add(4)
	go w.forward(ctx, w.tipCh, w.tipNotify)
	go w.forward(ctx, w.verifiedCh, w.verifiedNotify)
	go w.forward(ctx, w.syncCh, w.syncNotify)
	go w.eventLoop(ctx)
	log.Info("Watcher started")
}

// Stop unsubscribes from chain events and drops all registrations.
// Safe to call after ctx cancellation; blocks until the event loop has
// drained.
func (w *Watcher) Stop() {
	w.st.EventBus.Unsubscribe(state.EventTipAdvanced, w.tipCh)
	w.st.EventBus.Unsubscribe(state.EventTxVerified, w.verifiedCh)
	w.st.EventBus.Unsubscribe(state.EventSyncComplete, w.syncCh)
	w.wg.Wait()

	w.cbMu.Lock()
	w.callbacks = make(map[string]func(ctx context.Context))
	w.cbMu.Unlock()
	log.Info("Watcher stopped")
}

// forward drains a bus subscription into a one-slot latch. The bus
// drops any subscriber that cannot take an event, so the subscription
// must stay consumable even while a pass blocks the event loop; all
// events of one type are equivalent re-evaluation triggers, a burst
// collapses into a single pending pass.
func (w *Watcher) forward(ctx context.Context, ch chan interface{}, notify chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.tipNotify:
			if inv, ok := w.resolver.(sweepCacheInvalidator); ok {
				inv.InvalidateSweepCache()
			}
			w.triggerCallbacks(ctx)
		case <-w.verifiedNotify:
			w.triggerCallbacks(ctx)
		case <-w.syncNotify:
			w.triggerCallbacks(ctx)
		}
	}
}

// Track registers a channel for monitoring. Re-adding the same
// outpoint/address pair is a no-op on the callback map; the address
// subscription is safely repeatable.
func (w *Watcher) Track(outpoint Outpoint, address string) {
	w.index.AddAddress(address)

	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	if _, ok := w.callbacks[address]; ok {
		return
	}
	w.callbacks[address] = func(ctx context.Context) {
		if err := w.checkOnchainSituation(ctx, address, outpoint); err != nil {
			log.Errorf("Re-evaluation of channel %s failed: %v", outpoint, err)
		}
	}
	log.Infof("Tracking channel %s at %s", outpoint, address)
}

func (w *Watcher) isTracked(address string) bool {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	_, ok := w.callbacks[address]
	return ok
}

func (w *Watcher) removeCallback(address string) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	delete(w.callbacks, address)
}

// Status returns the last derived status for the funding outpoint.
func (w *Watcher) Status(outpoint Outpoint) ChannelStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	if status, ok := w.channelStatus[outpoint]; ok {
		return status
	}
	return StatusUnknown
}

// triggerCallbacks runs one full re-evaluation pass. Channels are
// visited in randomized order so broadcast timing does not
// systematically favor any one channel. Each callback completes fully
// before the next starts; failures are contained per channel.
func (w *Watcher) triggerCallbacks(ctx context.Context) {
	if !w.index.IsUpToDate() {
		log.Info("Chain index not up to date yet, skipping pass")
		return
	}

	w.cbMu.Lock()
	callbacks := make([]func(ctx context.Context), 0, len(w.callbacks))
	for _, cb := range w.callbacks {
		callbacks = append(callbacks, cb)
	}
	w.cbMu.Unlock()

	rand.Shuffle(len(callbacks), func(i, j int) {
		callbacks[i], callbacks[j] = callbacks[j], callbacks[i]
	})
	for _, cb := range callbacks {
		if ctx.Err() != nil {
			return
		}
		cb(ctx)
	}
}

func (w *Watcher) checkOnchainSituation(ctx context.Context, address string, funding Outpoint) error {
	// early return if the address has not been added yet
	if !w.index.IsMine(address) {
		return nil
	}
	// inspection may have registered new addresses, in which case the
	// index view is stale until the next sync
	if !w.index.IsUpToDate() {
		return nil
	}

	fundingHeight := w.index.GetTxHeight(funding.Txid)
	closingTxid, err := w.getSpender(funding)
	if err != nil {
		return err
	}
	closingHeight := w.index.GetTxHeight(closingTxid)

	keepWatching := true
	if closingTxid != "" {
		closingTx, err := w.index.GetTransaction(closingTxid)
		if err != nil {
			return err
		}
		if closingTx != nil {
			keepWatching = w.resolver.ResolveCloseTx(ctx, funding, closingTx)
		} else {
			log.Infof("Channel %s closed by %s, still waiting for tx itself...", funding, closingTxid)
		}
	}

	update := ChannelStateUpdate{
		FundingOutpoint: funding,
		FundingTxid:     funding.Txid,
		FundingHeight:   fundingHeight,
		ClosingTxid:     closingTxid,
		ClosingHeight:   closingHeight,
		KeepWatching:    keepWatching,
	}
	if err := w.resolver.PersistChannelState(ctx, update); err != nil {
		log.Errorf("Failed to persist state of channel %s: %v", funding, err)
	}

	if !keepWatching {
		w.unwatchChannel(address, funding)
	}
	return nil
}

// unwatchChannel retires a channel: the variant's cleanup runs first
// and, only once it succeeds, the callback is removed. A cleanup
// failure leaves everything registered so the whole retirement is
// retried on the next chain event.
func (w *Watcher) unwatchChannel(address string, funding Outpoint) {
	if err := w.resolver.OnChannelUnwatched(funding); err != nil {
		log.Errorf("Retirement of channel %s failed, will retry: %v", funding, err)
		return
	}
	w.removeCallback(address)
	log.Infof("Unwatching %s", funding)
}
