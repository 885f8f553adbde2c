package watcher

import (
	"github.com/lnwatch/lnwatchd/internal/btc"
	log "github.com/sirupsen/logrus"
)

// TxMinedDepth buckets a transaction's confirmation state. Ordered
// least settled first, so escalation decisions can compare directly.
type TxMinedDepth int

const (
	// local, future dated, or never seen at all
	DepthFree TxMinedDepth = iota
	// broadcast but unconfirmed, or claimed mined and not yet verified
	DepthMempool
	// confirmed, still within the deep threshold
	DepthShallow
	// beyond the deep threshold, considered irreversible
	DepthDeep
)

func (d TxMinedDepth) String() string {
	return [...]string{"free", "mempool", "shallow", "deep"}[d]
}

// txMinedDepth classifies the current chain position of txid. An
// empty txid is valid and means the transaction never happened. Any
// height/conf combination outside the chain index contract is a defect
// and panics rather than defaulting.
func (w *Watcher) txMinedDepth(txid string) TxMinedDepth {
	if txid == "" {
		return DepthFree
	}
	info := w.index.GetTxHeight(txid)
	height, conf := info.Height, info.Conf
	switch {
	case conf > w.deepConf:
		return DepthDeep
	case conf > 0:
		return DepthShallow
	case height == btc.HeightUnconfirmed || height == btc.HeightUnconfParent:
		return DepthMempool
	case height == btc.HeightLocal || height == btc.HeightFuture:
		return DepthFree
	case height > 0 && conf == 0:
		// unverified but claimed to be mined
		return DepthMempool
	default:
		log.Panicf("Unexpected mined info for %s: height=%d conf=%d", txid, height, conf)
		return DepthFree // unreachable
	}
}

func (w *Watcher) isDeeplyMined(txid string) bool {
	return w.txMinedDepth(txid) == DepthDeep
}
