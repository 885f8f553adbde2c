package btc

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

// TxBroadcaster submits raw transactions to the node and feeds
// successful submissions back into the scanner so later passes see
// them as in-flight instead of local.
type TxBroadcaster struct {
	client  BroadcastClient
	scanner *Scanner
}

var _ Broadcaster = (*TxBroadcaster)(nil)

func NewTxBroadcaster(client BroadcastClient, scanner *Scanner) *TxBroadcaster {
	return &TxBroadcaster{
		client:  client,
		scanner: scanner,
	}
}

func (b *TxBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	txid := tx.TxID()
	if err := ctx.Err(); err != nil {
		return txid, err
	}

	_, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		if rpcErr, ok := err.(*btcjson.RPCError); ok {
			switch rpcErr.Code {
			case btcjson.ErrRPCTxAlreadyInChain:
				// the network already has it, nothing left to do
				log.Infof("Tx %s already in chain", txid)
				b.scanner.RegisterMempoolTx(tx)
				return txid, nil
			}
		}
		return txid, errors.WrapPrefix(err, "send raw transaction "+txid, 0)
	}

	b.scanner.RegisterMempoolTx(tx)
	return txid, nil
}
