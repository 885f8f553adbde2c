package watcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/queue"
)

// Outpoint identifies a transaction output. The canonical string form
// is "txid:index", matching the keys used by the sweep store.
type Outpoint struct {
	Txid  string
	Index uint32
}

func NewOutpoint(txid string, index uint32) Outpoint {
	return Outpoint{Txid: txid, Index: index}
}

func ParseOutpoint(s string) (Outpoint, error) {
	txid, indexStr, found := strings.Cut(s, ":")
	if !found || txid == "" {
		return Outpoint{}, fmt.Errorf("malformed outpoint %q", s)
	}
	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("malformed outpoint index %q: %v", s, err)
	}
	return Outpoint{Txid: txid, Index: uint32(index)}, nil
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Index)
}

// ChannelStatus is the operator-facing view of a monitored channel.
type ChannelStatus string

const (
	StatusUnknown    ChannelStatus = "unknown"
	StatusOpen       ChannelStatus = "open"
	StatusClosedDeep ChannelStatus = "closed (deep)"
)

// ClosedStatus reports a close observed at the given confirmation
// count.
func ClosedStatus(conf int64) ChannelStatus {
	return ChannelStatus(fmt.Sprintf("closed (%d)", conf))
}

// SweepCandidate is a proposed transaction claiming a specific
// prevout of a closed channel. A candidate with neither timelock set
// is an immediate settlement path that forfeits revocation protection.
type SweepCandidate struct {
	Name     string
	Prevout  Outpoint
	Tx       *wire.MsgTx
	CltvAbs  uint32
	CsvDelay uint32
}

// ListenerHandle lets a caller wait for the watcher to finish with a
// funding outpoint and observe the transactions broadcast for it.
// Done closes exactly once, at retirement.
type ListenerHandle struct {
	ID      string
	Done    chan struct{}
	TxQueue *queue.ConcurrentQueue
}

func NewListenerHandle() *ListenerHandle {
	h := &ListenerHandle{
		ID:      uuid.New().String(),
		Done:    make(chan struct{}),
		TxQueue: queue.NewConcurrentQueue(8),
	}
	h.TxQueue.Start()
	return h
}
