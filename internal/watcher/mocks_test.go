package watcher

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/state"
	"github.com/stretchr/testify/require"
)

// mockIndex is an in-memory ChainIndex seeded directly by tests.
type mockIndex struct {
	mu       sync.Mutex
	heights  map[string]btc.TxMinedInfo
	spent    map[string]string
	txs      map[string]*wire.MsgTx
	mine     map[string]struct{}
	upToDate bool
}

var _ btc.ChainIndex = (*mockIndex)(nil)

func newMockIndex() *mockIndex {
	return &mockIndex{
		heights:  make(map[string]btc.TxMinedInfo),
		spent:    make(map[string]string),
		txs:      make(map[string]*wire.MsgTx),
		mine:     make(map[string]struct{}),
		upToDate: true,
	}
}

// addTx indexes a transaction together with the outpoints it spends.
func (m *mockIndex) addTx(tx *wire.MsgTx, info btc.TxMinedInfo) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := tx.TxID()
	m.txs[txid] = tx
	m.heights[txid] = info
	for _, txIn := range tx.TxIn {
		prev := NewOutpoint(txIn.PreviousOutPoint.Hash.String(), txIn.PreviousOutPoint.Index)
		m.spent[prev.String()] = txid
	}
	return txid
}

func (m *mockIndex) setHeight(txid string, info btc.TxMinedInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[txid] = info
}

func (m *mockIndex) GetTxHeight(txid string) btc.TxMinedInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txid == "" {
		return btc.TxMinedInfo{Height: btc.HeightLocal}
	}
	if info, ok := m.heights[txid]; ok {
		return info
	}
	return btc.TxMinedInfo{Height: btc.HeightLocal}
}

func (m *mockIndex) GetSpentOutpoint(txid string, index uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[NewOutpoint(txid, index).String()], nil
}

func (m *mockIndex) GetTransaction(txid string) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[txid], nil
}

func (m *mockIndex) IsMine(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mine[address]
	return ok
}

func (m *mockIndex) AddAddress(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mine[address] = struct{}{}
}

func (m *mockIndex) IsUpToDate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upToDate
}

func (m *mockIndex) setUpToDate(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upToDate = v
}

// mockBroadcaster records submissions and marks them as in the mempool
// afterwards, mirroring the production broadcaster feedback.
type mockBroadcaster struct {
	mu   sync.Mutex
	idx  *mockIndex
	sent []string
	err  error
}

var _ btc.Broadcaster = (*mockBroadcaster)(nil)

func (b *mockBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	txid := tx.TxID()
	if b.err != nil {
		return txid, b.err
	}
	b.sent = append(b.sent, txid)
	if b.idx != nil {
		b.idx.setHeight(txid, btc.TxMinedInfo{Height: btc.HeightUnconfirmed})
	}
	return txid, nil
}

func (b *mockBroadcaster) sentTxids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

// stubResolver is a minimal CloseResolver for exercising the shared
// watcher machinery in isolation.
type stubResolver struct {
	mu         sync.Mutex
	resolve    func(funding Outpoint, closingTx *wire.MsgTx) bool
	updates    []ChannelStateUpdate
	unwatched  []Outpoint
	unwatchErr error
}

var _ CloseResolver = (*stubResolver)(nil)

func (r *stubResolver) ResolveCloseTx(ctx context.Context, funding Outpoint, closingTx *wire.MsgTx) bool {
	if r.resolve != nil {
		return r.resolve(funding, closingTx)
	}
	return true
}

func (r *stubResolver) PersistChannelState(ctx context.Context, update ChannelStateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *stubResolver) OnChannelUnwatched(funding Outpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unwatchErr != nil {
		return r.unwatchErr
	}
	r.unwatched = append(r.unwatched, funding)
	return nil
}

func (r *stubResolver) lastUpdate() (ChannelStateUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return ChannelStateUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

func (r *stubResolver) setUnwatchErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unwatchErr = err
}

func newTestWatcher(idx btc.ChainIndex, resolver CloseResolver) *Watcher {
	w := newWatcher(idx, state.InitializeState())
	w.resolver = resolver
	return w
}

// mockChannel is a scripted key-aware channel for wallet watcher tests.
type mockChannel struct {
	mu        sync.Mutex
	id        string
	sweepInfo map[Outpoint]*SweepCandidate
	sweepErr  error
	htlcs     map[Outpoint]*SweepCandidate
	extracted []*wire.TxIn
	updates   []ChannelStateUpdate
	cleared   int
}

var _ Channel = (*mockChannel)(nil)

func (c *mockChannel) ID() string { return c.id }

func (c *mockChannel) SweepCtx(closingTx *wire.MsgTx) (map[Outpoint]*SweepCandidate, error) {
	if c.sweepErr != nil {
		return nil, c.sweepErr
	}
	return c.sweepInfo, nil
}

func (c *mockChannel) MaybeSweepHTLCs(closingTx, spenderTx *wire.MsgTx) map[Outpoint]*SweepCandidate {
	return c.htlcs
}

func (c *mockChannel) ExtractPreimageFromHTLCTxIn(txIn *wire.TxIn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extracted = append(c.extracted, txIn)
}

func (c *mockChannel) UpdateOnchainState(update ChannelStateUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, update)
}

func (c *mockChannel) ClearSweepCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
}

type mockRegistry struct {
	channels map[Outpoint]Channel
}

var _ ChannelRegistry = (*mockRegistry)(nil)

func (r *mockRegistry) ChannelByFundingOutpoint(funding Outpoint) Channel {
	return r.channels[funding]
}

func (r *mockRegistry) Channels() []Channel {
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

type mockSweepQueue struct {
	mu       sync.Mutex
	enqueued []*SweepCandidate
}

var _ SweepQueue = (*mockSweepQueue)(nil)

func (q *mockSweepQueue) EnqueueSweep(candidate *SweepCandidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, candidate)
}

func (q *mockSweepQueue) candidates() []*SweepCandidate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*SweepCandidate(nil), q.enqueued...)
}

// p2wpkhScript builds a witness v0 keyhash output script whose hash
// bytes are all fill, giving tests distinct deterministic addresses.
func p2wpkhScript(fill byte) []byte {
	script := make([]byte, 22)
	script[0] = txscript.OP_0
	script[1] = txscript.OP_DATA_20
	for i := 2; i < len(script); i++ {
		script[i] = fill
	}
	return script
}

func scriptAddr(t *testing.T, pkScript []byte) string {
	t.Helper()
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	return addrs[0].EncodeAddress()
}

// makeTx builds a transaction spending prevouts with one output per
// pkScript.
func makeTx(t *testing.T, prevouts []Outpoint, pkScripts ...[]byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, prev := range prevouts {
		hash, err := chainhash.NewHashFromStr(prev.Txid)
		require.NoError(t, err)
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, prev.Index), nil, nil))
	}
	for _, pkScript := range pkScripts {
		tx.AddTxOut(wire.NewTxOut(10_000, pkScript))
	}
	return tx
}

// makeRootTx builds a transaction with no real parent, usable as a
// funding transaction.
func makeRootTx(t *testing.T, seed uint32, pkScripts ...[]byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, seed), nil, nil))
	for _, pkScript := range pkScripts {
		tx.AddTxOut(wire.NewTxOut(100_000, pkScript))
	}
	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}
