package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lnwatch/lnwatchd/internal/btc"
	"github.com/lnwatch/lnwatchd/internal/config"
	"github.com/lnwatch/lnwatchd/internal/db"
	"github.com/lnwatch/lnwatchd/internal/http"
	"github.com/lnwatch/lnwatchd/internal/state"
	"github.com/lnwatch/lnwatchd/internal/watcher"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	State           *state.State
	Scanner         *btc.Scanner
	Watchtower      *watcher.Watchtower
	HTTPServer      *http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()
	// create bitcoin client using the configured node connection
	connConfig := &rpcclient.ConnConfig{
		Host:         config.AppConfig.BTCRPC,
		User:         config.AppConfig.BTCRPC_USER,
		Pass:         config.AppConfig.BTCRPC_PASS,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	btcClient, err := rpcclient.New(connConfig, nil)
	if err != nil {
		log.Fatalf("Failed to start bitcoin client: %v", err)
	}

	dbm := db.NewDatabaseManager()
	st := state.InitializeState()
	scanner := btc.NewScanner(btcClient, dbm.GetChainIndexDB(), st)
	broadcaster := btc.NewTxBroadcaster(btcClient, scanner)
	sweepStore := db.NewSweepStore(dbm.GetSweepDB())
	tower := watcher.NewWatchtower(scanner, st, sweepStore, broadcaster)
	httpServer := http.NewHTTPServer(tower, tower)

	return &Application{
		DatabaseManager: dbm,
		State:           st,
		Scanner:         scanner,
		Watchtower:      tower,
		HTTPServer:      httpServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	app.Watchtower.Start(ctx)
	if err := app.Watchtower.StartWatching(); err != nil {
		log.Fatalf("Failed to load stored channels: %v", err)
	}

	app.Scanner.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.HTTPServer.Start(ctx)
	}()

	<-stop
	log.Info("Receiving exit signal...")

	cancel()
	app.Watchtower.Stop()

	wg.Wait()
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}
