package btc

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Sentinel heights carried by TxMinedInfo. Positive values are block
// heights; everything at or below zero describes a transaction that is
// not in the best chain.
const (
	// in the mempool
	HeightUnconfirmed int64 = 0
	// in the mempool, with at least one unconfirmed parent
	HeightUnconfParent int64 = -1
	// known only to this process, never broadcast
	HeightLocal int64 = -2
	// not yet final (locktime in the future)
	HeightFuture int64 = -3
)

// TxMinedInfo describes a transaction's position relative to the best
// chain. It is recomputed on every query and must never be cached
// across blocks.
type TxMinedInfo struct {
	Height int64
	Conf   int64
}

// ChainIndex resolves transaction hashes to chain positions and tracks
// which transaction spends a given output. Implementations answer from
// their current view; callers re-query after every chain event.
type ChainIndex interface {
	// GetTxHeight returns the mined info for txid. Unknown
	// transactions report HeightLocal.
	GetTxHeight(txid string) TxMinedInfo

	// GetSpentOutpoint returns the txid spending (txid, index), or ""
	// if no spender is known.
	GetSpentOutpoint(txid string, index uint32) (string, error)

	// GetTransaction returns the full transaction, or nil if the index
	// does not have it.
	GetTransaction(txid string) (*wire.MsgTx, error)

	// IsMine reports whether the address is already tracked.
	IsMine(address string) bool

	// AddAddress registers an address for tracking. Re-adding is a
	// no-op.
	AddAddress(address string)

	// IsUpToDate reports whether the index has caught up with the best
	// chain.
	IsUpToDate() bool
}

// Broadcaster submits transactions to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// BroadcastClient is the RPC surface the broadcaster needs, split out
// so tests can stub the node. *rpcclient.Client satisfies it.
type BroadcastClient interface {
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}
