package db

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"gorm.io/gorm"
)

// SweepStore persists pre-signed sweep transactions keyed by funding
// outpoint and prevout, together with the channel registry.
type SweepStore struct {
	db *gorm.DB
}

func NewSweepStore(db *gorm.DB) *SweepStore {
	return &SweepStore{db: db}
}

func (s *SweepStore) GetSweepTxs(fundingOutpoint, prevout string) ([]*wire.MsgTx, error) {
	var rows []SweepTx
	err := s.db.Where("funding_outpoint = ? AND prevout = ?", fundingOutpoint, prevout).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep txs for %s %s: %w", fundingOutpoint, prevout, err)
	}
	txs := make([]*wire.MsgTx, 0, len(rows))
	for _, row := range rows {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(row.RawTx)); err != nil {
			return nil, fmt.Errorf("failed to deserialize sweep tx %d: %w", row.ID, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (s *SweepStore) AddSweepTx(fundingOutpoint string, ctn uint64, prevout string, rawTx []byte) error {
	// reject anything that does not parse as a complete transaction
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return fmt.Errorf("refusing to store malformed sweep tx: %w", err)
	}
	row := SweepTx{
		FundingOutpoint: fundingOutpoint,
		Ctn:             ctn,
		Prevout:         prevout,
		RawTx:           rawTx,
		UpdatedAt:       time.Now(),
	}
	return s.db.Create(&row).Error
}

func (s *SweepStore) NumSweepTxs(fundingOutpoint string) (int64, error) {
	var count int64
	err := s.db.Model(&SweepTx{}).Where("funding_outpoint = ?", fundingOutpoint).Count(&count).Error
	return count, err
}

// ListSweepTxs returns the set of funding outpoints that have at least
// one stored sweep transaction.
func (s *SweepStore) ListSweepTxs() (map[string]struct{}, error) {
	var outpoints []string
	err := s.db.Model(&SweepTx{}).Distinct("funding_outpoint").Pluck("funding_outpoint", &outpoints).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(outpoints))
	for _, op := range outpoints {
		set[op] = struct{}{}
	}
	return set, nil
}

// GetCtn returns the highest stored commitment number for the channel,
// registering the channel first if it is unknown.
func (s *SweepStore) GetCtn(outpoint, address string) (uint64, error) {
	has, err := s.HasChannel(outpoint)
	if err != nil {
		return 0, err
	}
	if !has {
		if err := s.AddChannel(outpoint, address); err != nil {
			return 0, err
		}
	}
	var maxCtn *uint64
	err = s.db.Model(&SweepTx{}).Where("funding_outpoint = ?", outpoint).
		Select("max(ctn)").Scan(&maxCtn).Error
	if err != nil {
		return 0, err
	}
	if maxCtn == nil {
		return 0, nil
	}
	return *maxCtn, nil
}

func (s *SweepStore) RemoveSweepTxs(fundingOutpoint string) error {
	return s.db.Where("funding_outpoint = ?", fundingOutpoint).Delete(&SweepTx{}).Error
}

func (s *SweepStore) AddChannel(outpoint, address string) error {
	row := ChannelInfo{
		Outpoint:  outpoint,
		Address:   address,
		UpdatedAt: time.Now(),
	}
	return s.db.Create(&row).Error
}

func (s *SweepStore) HasChannel(outpoint string) (bool, error) {
	var count int64
	err := s.db.Model(&ChannelInfo{}).Where("outpoint = ?", outpoint).Count(&count).Error
	return count > 0, err
}

func (s *SweepStore) RemoveChannel(outpoint string) error {
	return s.db.Where("outpoint = ?", outpoint).Delete(&ChannelInfo{}).Error
}

func (s *SweepStore) GetAddress(outpoint string) (string, error) {
	var row ChannelInfo
	err := s.db.Where("outpoint = ?", outpoint).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Address, nil
}

func (s *SweepStore) ListChannels() ([]ChannelInfo, error) {
	var rows []ChannelInfo
	err := s.db.Find(&rows).Error
	return rows, err
}
