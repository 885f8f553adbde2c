package config

import (
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	// optional local overrides, ignored when absent
	_ = godotenv.Load()

	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("BTC_RPC", "http://localhost:8332")
	viper.SetDefault("BTC_RPC_USER", "")
	viper.SetDefault("BTC_RPC_PASS", "")
	viper.SetDefault("BTC_START_HEIGHT", 0)
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("BTC_POLL_INTERVAL", "30s")
	viper.SetDefault("DEEP_CONFIRMATIONS", 100)
	viper.SetDefault("ENABLE_HTLC_SETTLE_ONCHAIN", false)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_DIR", "/app/db")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	AppConfig = Config{
		HTTPPort:                viper.GetString("HTTP_PORT"),
		BTCRPC:                  viper.GetString("BTC_RPC"),
		BTCRPC_USER:             viper.GetString("BTC_RPC_USER"),
		BTCRPC_PASS:             viper.GetString("BTC_RPC_PASS"),
		BTCStartHeight:          viper.GetInt("BTC_START_HEIGHT"),
		BTCNetworkType:          viper.GetString("BTC_NETWORK_TYPE"),
		BTCPollInterval:         viper.GetDuration("BTC_POLL_INTERVAL"),
		DeepConfirmations:       viper.GetInt("DEEP_CONFIRMATIONS"),
		EnableHTLCSettleOnchain: viper.GetBool("ENABLE_HTLC_SETTLE_ONCHAIN"),
		DbDir:                   viper.GetString("DB_DIR"),
		LogLevel:                logLevel,
	}

	if AppConfig.DeepConfirmations < 100 {
		logrus.Warnf("Deep confirmation threshold is too low, set to 100")
		AppConfig.DeepConfirmations = 100
	}

	logrus.Infof("Init config, network %s, poll interval %v, deep threshold %d",
		GetBTCNetwork(AppConfig.BTCNetworkType).Name, AppConfig.BTCPollInterval, AppConfig.DeepConfirmations)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort                string
	BTCRPC                  string
	BTCRPC_USER             string
	BTCRPC_PASS             string
	BTCStartHeight          int
	BTCNetworkType          string
	BTCPollInterval         time.Duration
	DeepConfirmations       int
	EnableHTLCSettleOnchain bool
	DbDir                   string
	LogLevel                logrus.Level
}

// GetBTCNetwork maps the configured network type to chain params.
// An empty value means mainnet.
func GetBTCNetwork(networkType string) *chaincfg.Params {
	switch strings.ToLower(networkType) {
	case "", "mainnet":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		logrus.Warnf("Unknown BTC network type %q, falling back to mainnet", networkType)
		return &chaincfg.MainNetParams
	}
}
