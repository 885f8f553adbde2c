package watcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/db"
	"github.com/lnwatch/lnwatchd/internal/state"
	log "github.com/sirupsen/logrus"
)

// Watchtower is the third-party watcher variant. It holds no channel
// keys: all it can do is replay sweep transactions that channel owners
// delivered ahead of time, stored against (funding outpoint, prevout).
type Watchtower struct {
	*Watcher

	store       *db.SweepStore
	broadcaster btc.Broadcaster

	progressMu sync.Mutex
	txProgress map[Outpoint]*ListenerHandle
}

var _ CloseResolver = (*Watchtower)(nil)

func NewWatchtower(index btc.ChainIndex, st *state.State, store *db.SweepStore, broadcaster btc.Broadcaster) *Watchtower {
	t := &Watchtower{
		Watcher:     newWatcher(index, st),
		store:       store,
		broadcaster: broadcaster,
		txProgress:  make(map[Outpoint]*ListenerHandle),
	}
	t.Watcher.resolver = t
	return t
}

// StartWatching re-registers every channel known to the sweep store.
func (t *Watchtower) StartWatching() error {
	channels, err := t.store.ListChannels()
	if err != nil {
		return err
	}
	rand.Shuffle(len(channels), func(i, j int) {
		channels[i], channels[j] = channels[j], channels[i]
	})
	for _, info := range channels {
		funding, err := ParseOutpoint(info.Outpoint)
		if err != nil {
			log.Errorf("Skipping stored channel with bad outpoint %q: %v", info.Outpoint, err)
			continue
		}
		t.Track(funding, info.Address)
	}
	log.Infof("Watchtower watching %d stored channels", len(channels))
	return nil
}

// ResolveCloseTx walks the spend graph under the funding outpoint and
// replays stored sweeps for every output nobody has claimed yet.
func (t *Watchtower) ResolveCloseTx(ctx context.Context, funding Outpoint, closingTx *wire.MsgTx) bool {
	spenders, err := t.inspectTxCandidate(funding, 0)
	if err != nil {
		log.Errorf("Inspection of %s failed: %v", funding, err)
		return true
	}
	keepWatching := false
	for prevout, spender := range spenders {
		if spender != "" {
			keepWatching = !t.isDeeplyMined(spender) || keepWatching
			continue
		}
		sweepTxs, err := t.store.GetSweepTxs(funding.String(), prevout.String())
		if err != nil {
			log.Errorf("Failed to load sweeps for %s %s: %v", funding, prevout, err)
			keepWatching = true
			continue
		}
		for _, tx := range sweepTxs {
			t.broadcastOrLog(ctx, funding, tx)
			keepWatching = true
		}
	}
	return keepWatching
}

// broadcastOrLog submits a stored sweep unless the index already saw
// it leave this process (anything but local height means it was
// broadcast before). Failures are logged and retried on the next
// chain event.
func (t *Watchtower) broadcastOrLog(ctx context.Context, funding Outpoint, tx *wire.MsgTx) {
	if t.index.GetTxHeight(tx.TxID()).Height != btc.HeightLocal {
		return
	}
	txid, err := t.broadcaster.Broadcast(ctx, tx)
	if err != nil {
		log.Infof("Broadcast failure: txid=%s, funding_outpoint=%s: %v", txid, funding, err)
		return
	}
	log.Infof("Broadcast success: txid=%s, funding_outpoint=%s", txid, funding)

	t.progressMu.Lock()
	handle := t.txProgress[funding]
	t.progressMu.Unlock()
	if handle != nil {
		handle.TxQueue.ChanIn() <- tx
	}
}

func (t *Watchtower) PersistChannelState(ctx context.Context, update ChannelStateUpdate) error {
	// the tower keeps no per-channel state beyond the sweep store
	return nil
}

// OnChannelUnwatched deletes the channel's stored sweeps and registry
// row, then releases any completion listener. All steps succeed or the
// retirement is retried wholesale.
func (t *Watchtower) OnChannelUnwatched(funding Outpoint) error {
	if err := t.store.RemoveSweepTxs(funding.String()); err != nil {
		return err
	}
	if err := t.store.RemoveChannel(funding.String()); err != nil {
		return err
	}

	t.progressMu.Lock()
	handle := t.txProgress[funding]
	delete(t.txProgress, funding)
	t.progressMu.Unlock()
	if handle != nil {
		log.Infof("Listener %s released for %s", handle.ID, funding)
		close(handle.Done)
	}
	return nil
}

// RegisterListener installs a completion handle for a funding
// outpoint, replacing any previous one. Used by tests and operators
// to wait for sweep completion.
func (t *Watchtower) RegisterListener(funding Outpoint) *ListenerHandle {
	handle := NewListenerHandle()
	t.progressMu.Lock()
	t.txProgress[funding] = handle
	t.progressMu.Unlock()
	log.Debugf("Listener %s registered for %s", handle.ID, funding)
	return handle
}

// GetCtn returns the highest stored commitment number for the
// channel, starting to watch it if it is new. The address comes from
// the client and is validated against our network before anything is
// registered under it.
func (t *Watchtower) GetCtn(funding Outpoint, address string) (uint64, error) {
	if _, err := btcutil.DecodeAddress(address, t.params); err != nil {
		return 0, fmt.Errorf("invalid channel address %q: %w", address, err)
	}
	if !t.isTracked(address) {
		log.Infof("Watching new channel: %s %s", funding, address)
		t.Track(funding, address)
	}
	return t.store.GetCtn(funding.String(), address)
}

func (t *Watchtower) NumSweepTxs(funding Outpoint) (int64, error) {
	return t.store.NumSweepTxs(funding.String())
}

func (t *Watchtower) ListSweepTxs() (map[string]struct{}, error) {
	return t.store.ListSweepTxs()
}

func (t *Watchtower) ListChannels() ([]db.ChannelInfo, error) {
	return t.store.ListChannels()
}

// AddSweepTx stores a client-delivered sweep transaction for later
// replay.
func (t *Watchtower) AddSweepTx(funding Outpoint, ctn uint64, prevout string, rawTx []byte) error {
	return t.store.AddSweepTx(funding.String(), ctn, prevout, rawTx)
}
