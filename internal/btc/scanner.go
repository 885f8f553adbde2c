package btc

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-errors/errors"
	"github.com/lnwatch/lnwatchd/internal/config"
	"github.com/lnwatch/lnwatchd/internal/db"
	"github.com/lnwatch/lnwatchd/internal/state"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ScanClient is the RPC surface the scanner needs from the node.
// *rpcclient.Client satisfies it.
type ScanClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
}

// Scanner is a block-driven address synchronizer. It polls the node
// for new blocks, indexes every transaction that touches a watched
// address or spends an indexed output, and answers chain queries from
// that index. It is the concrete ChainIndex used in production.
type Scanner struct {
	client ScanClient
	db     *gorm.DB
	state  *state.State
	params *chaincfg.Params

	syncMu     sync.Mutex
	syncStatus *db.ChainSyncStatus

	addrMu    sync.RWMutex
	watched   map[string]struct{}
	tipHeight int64
}

var _ ChainIndex = (*Scanner)(nil)

func NewScanner(client ScanClient, indexDb *gorm.DB, st *state.State) *Scanner {
	var syncStatus db.ChainSyncStatus
	result := indexDb.First(&syncStatus)
	if result.Error != nil && result.Error != gorm.ErrRecordNotFound {
		log.Fatalf("Failed to load chain sync status: %v", result.Error)
	}
	if result.Error == gorm.ErrRecordNotFound {
		syncStatus.ConfirmedHeight = int64(config.AppConfig.BTCStartHeight) - 1
		syncStatus.UpdatedAt = time.Now()
		indexDb.Create(&syncStatus)
		log.Info("Chain sync status not found, create one")
	}
	log.Infof("New scanner, confirmed height is %d", syncStatus.ConfirmedHeight)

	watched := make(map[string]struct{})
	var addrs []db.WatchedAddress
	if err := indexDb.Find(&addrs).Error; err != nil {
		log.Fatalf("Failed to load watched addresses: %v", err)
	}
	for _, a := range addrs {
		watched[a.Address] = struct{}{}
	}

	return &Scanner{
		client:     client,
		db:         indexDb,
		state:      st,
		params:     config.GetBTCNetwork(config.AppConfig.BTCNetworkType),
		syncStatus: &syncStatus,
		watched:    watched,
		tipHeight:  syncStatus.ConfirmedHeight,
	}
}

func (s *Scanner) Start(ctx context.Context) {
	go s.pollLoop(ctx)
}

func (s *Scanner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.BTCPollInterval)
	defer ticker.Stop()

	// run one pass immediately so a fresh start does not wait a full
	// interval before catching up
	s.scanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping block scan...")
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	bestHeight, err := s.client.GetBlockCount()
	if err != nil {
		log.Errorf("Error getting the latest block height: %v", err)
		return
	}

	s.syncMu.Lock()
	syncedHeight := s.syncStatus.ConfirmedHeight
	s.syncMu.Unlock()

	if syncedHeight >= bestHeight {
		s.state.MarkSynced(true)
		return
	}

	if bestHeight-syncedHeight > 1 {
		// falling behind, passes over stale data are skipped until we
		// catch up again
		s.state.MarkSynced(false)
	}

	log.Infof("Block scan fired, best height: %d, from: %d, to: %d", bestHeight, syncedHeight+1, bestHeight)
	newSyncHeight := syncedHeight
	for height := syncedHeight + 1; height <= bestHeight; height++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		block, err := s.getBlockAtHeight(height)
		if err != nil {
			log.Errorf("Error getting block at %d: %v", height, err)
			break
		}
		if err := s.indexBlock(block, height); err != nil {
			log.Errorf("Error indexing block at %d: %v", height, err)
			break
		}
		newSyncHeight = height

		s.addrMu.Lock()
		s.tipHeight = height
		s.addrMu.Unlock()

		s.syncMu.Lock()
		if s.syncStatus.ConfirmedHeight+10 < newSyncHeight {
			// save every 10 when catching up
			s.syncStatus.ConfirmedHeight = newSyncHeight
			s.syncStatus.UpdatedAt = time.Now()
			s.db.Save(s.syncStatus)
		}
		s.syncMu.Unlock()
	}

	if newSyncHeight > syncedHeight {
		s.syncMu.Lock()
		s.syncStatus.ConfirmedHeight = newSyncHeight
		s.syncStatus.Synced = newSyncHeight >= bestHeight
		s.syncStatus.UpdatedAt = time.Now()
		s.db.Save(s.syncStatus)
		s.syncMu.Unlock()

		s.state.UpdateTipHeight(newSyncHeight)
	}
	if newSyncHeight >= bestHeight {
		s.state.MarkSynced(true)
	}
}

func (s *Scanner) getBlockAtHeight(height int64) (*wire.MsgBlock, error) {
	blockHash, err := s.client.GetBlockHash(height)
	if err != nil {
		return nil, errors.WrapPrefix(err, fmt.Sprintf("error getting block hash at height %d", height), 0)
	}
	block, err := s.client.GetBlock(blockHash)
	if err != nil {
		return nil, errors.WrapPrefix(err, fmt.Sprintf("error getting block at height %d", height), 0)
	}
	return block, nil
}

// indexBlock records every transaction in the block that pays a
// watched address or spends an output of an already indexed
// transaction. Recording order matters: a sweep chain confirming in a
// single block is walked front to back, so parents land in the index
// before their spenders are considered.
func (s *Scanner) indexBlock(block *wire.MsgBlock, height int64) error {
	blockHash := block.BlockHash().String()
	for _, tx := range block.Transactions {
		if !s.isRelevant(tx) {
			continue
		}
		if err := s.storeTx(tx, height, blockHash); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) isRelevant(tx *wire.MsgTx) bool {
	for _, txOut := range tx.TxOut {
		for _, addr := range s.outputAddresses(txOut) {
			if s.IsMine(addr) {
				return true
			}
		}
	}
	for _, txIn := range tx.TxIn {
		if s.hasTxRecord(txIn.PreviousOutPoint.Hash.String()) {
			return true
		}
	}
	return false
}

func (s *Scanner) outputAddresses(txOut *wire.TxOut) []string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, s.params)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.EncodeAddress())
	}
	return out
}

func (s *Scanner) hasTxRecord(txid string) bool {
	var count int64
	if err := s.db.Model(&db.TxRecord{}).Where("txid = ?", txid).Count(&count).Error; err != nil {
		log.Errorf("Failed to query tx record %s: %v", txid, err)
		return false
	}
	return count > 0
}

func (s *Scanner) storeTx(tx *wire.MsgTx, height int64, blockHash string) error {
	txid := tx.TxID()

	var existing db.TxRecord
	result := s.db.Where("txid = ?", txid).First(&existing)
	if result.Error != nil && result.Error != gorm.ErrRecordNotFound {
		return result.Error
	}
	firstConfirmation := result.Error == gorm.ErrRecordNotFound || existing.Height <= HeightUnconfirmed

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return errors.WrapPrefix(err, "failed to serialize tx "+txid, 0)
	}
	record := db.TxRecord{
		Txid:      txid,
		Height:    height,
		BlockHash: blockHash,
		RawTx:     buf.Bytes(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.Save(&record).Error; err != nil {
		return err
	}

	for _, txIn := range tx.TxIn {
		spent := db.SpentOutpoint{
			PrevTxid:    txIn.PreviousOutPoint.Hash.String(),
			PrevIndex:   txIn.PreviousOutPoint.Index,
			SpenderTxid: txid,
			UpdatedAt:   time.Now(),
		}
		if err := s.db.Save(&spent).Error; err != nil {
			return err
		}
	}

	if height > 0 && firstConfirmation {
		log.Debugf("Tx %s verified at height %d", txid, height)
		s.state.NotifyTxVerified(txid)
	}
	return nil
}

// RegisterMempoolTx records a transaction we just handed to the
// network so later passes see it as broadcast rather than local. A
// non-final locktime is recorded as future; an unconfirmed parent is
// reflected in the sentinel height.
func (s *Scanner) RegisterMempoolTx(tx *wire.MsgTx) {
	txid := tx.TxID()
	if s.hasTxRecord(txid) {
		return
	}

	height := HeightUnconfirmed
	s.addrMu.RLock()
	tip := s.tipHeight
	s.addrMu.RUnlock()
	if tx.LockTime != 0 && int64(tx.LockTime) > tip+1 {
		height = HeightFuture
	} else {
		for _, txIn := range tx.TxIn {
			parent := s.GetTxHeight(txIn.PreviousOutPoint.Hash.String())
			if parent.Height <= HeightUnconfirmed && parent.Height != HeightLocal {
				height = HeightUnconfParent
				break
			}
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		log.Errorf("Failed to serialize mempool tx %s: %v", txid, err)
		return
	}
	record := db.TxRecord{
		Txid:      txid,
		Height:    height,
		RawTx:     buf.Bytes(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.Save(&record).Error; err != nil {
		log.Errorf("Failed to store mempool tx %s: %v", txid, err)
		return
	}
	for _, txIn := range tx.TxIn {
		spent := db.SpentOutpoint{
			PrevTxid:    txIn.PreviousOutPoint.Hash.String(),
			PrevIndex:   txIn.PreviousOutPoint.Index,
			SpenderTxid: txid,
			UpdatedAt:   time.Now(),
		}
		if err := s.db.Save(&spent).Error; err != nil {
			log.Errorf("Failed to store spent outpoint for %s: %v", txid, err)
		}
	}
}

func (s *Scanner) GetTxHeight(txid string) TxMinedInfo {
	if txid == "" {
		return TxMinedInfo{Height: HeightLocal}
	}
	var record db.TxRecord
	result := s.db.Where("txid = ?", txid).First(&record)
	if result.Error == gorm.ErrRecordNotFound {
		return TxMinedInfo{Height: HeightLocal}
	}
	if result.Error != nil {
		log.Errorf("Failed to query tx height for %s: %v", txid, result.Error)
		return TxMinedInfo{Height: HeightLocal}
	}
	if record.Height <= 0 {
		return TxMinedInfo{Height: record.Height}
	}

	s.addrMu.RLock()
	tip := s.tipHeight
	s.addrMu.RUnlock()
	conf := tip - record.Height + 1
	if conf < 0 {
		conf = 0
	}
	return TxMinedInfo{Height: record.Height, Conf: conf}
}

func (s *Scanner) GetSpentOutpoint(txid string, index uint32) (string, error) {
	var spent db.SpentOutpoint
	result := s.db.Where("prev_txid = ? AND prev_index = ?", txid, index).First(&spent)
	if result.Error == gorm.ErrRecordNotFound {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return spent.SpenderTxid, nil
}

func (s *Scanner) GetTransaction(txid string) (*wire.MsgTx, error) {
	var record db.TxRecord
	result := s.db.Where("txid = ?", txid).First(&record)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(record.RawTx)); err != nil {
		return nil, errors.WrapPrefix(err, "corrupt tx record "+txid, 0)
	}
	return tx, nil
}

func (s *Scanner) IsMine(address string) bool {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	_, ok := s.watched[address]
	return ok
}

func (s *Scanner) AddAddress(address string) {
	s.addrMu.Lock()
	if _, ok := s.watched[address]; ok {
		s.addrMu.Unlock()
		return
	}
	s.watched[address] = struct{}{}
	s.addrMu.Unlock()

	row := db.WatchedAddress{Address: address, UpdatedAt: time.Now()}
	if err := s.db.Save(&row).Error; err != nil {
		log.Errorf("Failed to persist watched address %s: %v", address, err)
	}
	log.Debugf("Now watching address %s", address)
}

func (s *Scanner) IsUpToDate() bool {
	return s.state.GetChainHead().Synced
}
