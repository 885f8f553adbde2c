package db

import (
	"os"
	"path/filepath"

	"github.com/lnwatch/lnwatchd/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseManager struct {
	sweepDb      *gorm.DB
	chainIndexDb *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

func (dm *DatabaseManager) initDB() {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	sweepPath := filepath.Join(dbDir, "watchtower.db")
	sweepDb, err := gorm.Open(sqlite.Open(sweepPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to sweep database: %v", err)
	}
	dm.sweepDb = sweepDb
	log.Debugf("Sweep database connected successfully, path: %s", sweepPath)

	chainIndexPath := filepath.Join(dbDir, "chain_index.db")
	chainIndexDb, err := gorm.Open(sqlite.Open(chainIndexPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to chain index database: %v", err)
	}
	dm.chainIndexDb = chainIndexDb
	log.Debugf("Chain index database connected successfully, path: %s", chainIndexPath)

	dm.autoMigrate()
	log.Debugf("Database migration completed successfully")
}

func (dm *DatabaseManager) autoMigrate() {
	if err := dm.sweepDb.AutoMigrate(
		&ChannelInfo{},
		&SweepTx{},
	); err != nil {
		log.Fatalf("Failed to migrate sweep database: %v", err)
	}
	if err := dm.chainIndexDb.AutoMigrate(
		&WatchedAddress{},
		&TxRecord{},
		&SpentOutpoint{},
		&ChainSyncStatus{},
	); err != nil {
		log.Fatalf("Failed to migrate chain index database: %v", err)
	}
}

func (dm *DatabaseManager) GetSweepDB() *gorm.DB {
	return dm.sweepDb
}

func (dm *DatabaseManager) GetChainIndexDB() *gorm.DB {
	return dm.chainIndexDb
}
