package db

import (
	"time"
)

// ChannelInfo model, one row per watched channel
type ChannelInfo struct {
	Outpoint  string    `gorm:"primaryKey" json:"outpoint"`
	Address   string    `gorm:"not null" json:"address"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// SweepTx model, pre-signed justice/sweep transactions delivered by
// channel owners. Multiple rows per funding outpoint and prevout are
// expected, one per commitment revision (ctn), all replayed on breach.
type SweepTx struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	FundingOutpoint string    `gorm:"not null;index:idx_funding_prevout" json:"funding_outpoint"`
	Ctn             uint64    `gorm:"not null" json:"ctn"`
	Prevout         string    `gorm:"index:idx_funding_prevout" json:"prevout"`
	RawTx           []byte    `gorm:"not null" json:"raw_tx"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// WatchedAddress model, addresses the scanner indexes transactions for
type WatchedAddress struct {
	Address   string    `gorm:"primaryKey" json:"address"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TxRecord model, a transaction relevant to a watched address.
// Height 0 with an empty block hash means seen in mempool only.
type TxRecord struct {
	Txid      string    `gorm:"primaryKey" json:"txid"`
	Height    int64     `gorm:"not null" json:"height"`
	BlockHash string    `json:"block_hash"`
	RawTx     []byte    `gorm:"not null" json:"raw_tx"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// SpentOutpoint model, maps a previous output to the transaction
// spending it
type SpentOutpoint struct {
	PrevTxid    string    `gorm:"primaryKey;autoIncrement:false" json:"prev_txid"`
	PrevIndex   uint32    `gorm:"primaryKey;autoIncrement:false" json:"prev_index"`
	SpenderTxid string    `gorm:"not null" json:"spender_txid"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

// ChainSyncStatus model (only 1 record)
type ChainSyncStatus struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ConfirmedHeight int64     `gorm:"not null" json:"confirmed_height"`
	Synced          bool      `gorm:"not null" json:"synced"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}
