package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lnwatch/lnwatchd/internal/config"
	"github.com/lnwatch/lnwatchd/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// ChannelStatusSource is the read-only view the API exposes for any
// watcher variant.
type ChannelStatusSource interface {
	Status(outpoint watcher.Outpoint) watcher.ChannelStatus
}

// HTTPServer serves the operator API: channel statuses and, in
// watchtower mode, the stored-sweep inventory.
type HTTPServer struct {
	status ChannelStatusSource
	tower  *watcher.Watchtower
}

// NewHTTPServer builds the server. tower may be nil when running in
// wallet mode; tower-only routes are then not registered.
func NewHTTPServer(status ChannelStatusSource, tower *watcher.Watchtower) *HTTPServer {
	return &HTTPServer{
		status: status,
		tower:  tower,
	}
}

func (hs *HTTPServer) router() *gin.Engine {
	r := gin.Default()

	r.GET("/api/v1/channels/:outpoint/status", hs.handleChannelStatus)

	if hs.tower != nil {
		r.GET("/api/v1/channels", hs.handleListChannels)
		r.GET("/api/v1/sweeps", hs.handleListSweeps)
		r.GET("/api/v1/channels/:outpoint/sweeps", hs.handleNumSweeps)
	}
	return r
}

func (hs *HTTPServer) Start(ctx context.Context) {
	addr := ":" + config.AppConfig.HTTPPort
	srv := &http.Server{Addr: addr, Handler: hs.router()}

	go func() {
		log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
}

func (hs *HTTPServer) handleChannelStatus(c *gin.Context) {
	outpoint, err := watcher.ParseOutpoint(c.Param("outpoint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outpoint": outpoint.String(),
		"status":   hs.status.Status(outpoint),
	})
}

func (hs *HTTPServer) handleListChannels(c *gin.Context) {
	channels, err := hs.tower.ListChannels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type channelEntry struct {
		Outpoint string `json:"outpoint"`
		Address  string `json:"address"`
		Status   string `json:"status"`
	}
	entries := make([]channelEntry, 0, len(channels))
	for _, info := range channels {
		entry := channelEntry{Outpoint: info.Outpoint, Address: info.Address}
		if outpoint, err := watcher.ParseOutpoint(info.Outpoint); err == nil {
			entry.Status = string(hs.status.Status(outpoint))
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"channels": entries})
}

func (hs *HTTPServer) handleListSweeps(c *gin.Context) {
	set, err := hs.tower.ListSweepTxs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	outpoints := make([]string, 0, len(set))
	for outpoint := range set {
		outpoints = append(outpoints, outpoint)
	}
	c.JSON(http.StatusOK, gin.H{"outpoints": outpoints})
}

func (hs *HTTPServer) handleNumSweeps(c *gin.Context) {
	outpoint, err := watcher.ParseOutpoint(c.Param("outpoint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := hs.tower.NumSweepTxs(outpoint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outpoint": outpoint.String(), "count": count})
}
