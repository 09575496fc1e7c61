// Command etna hosts the remote script runtime: the framed event link for
// peers, the execution engine with its allocator pool, and the HTTP control
// API.
package main

import (
	"log"
	"net"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/etna/internal/agent"
	"github.com/seantiz/etna/internal/api"
	"github.com/seantiz/etna/internal/config"
	"github.com/seantiz/etna/internal/engine"
	"github.com/seantiz/etna/internal/mempool"
	"github.com/seantiz/etna/internal/protocol"
	"github.com/seantiz/etna/internal/script/scripttest"
	"github.com/seantiz/etna/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("etna: starting",
		"listen_addr", cfg.ListenAddr,
		"link_addr", cfg.LinkAddr,
		"vsock_port", cfg.VsockPort,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eng := engine.New(engine.Config{
		Pool: mempool.Config{
			FastCapacity:     cfg.PoolFastBytes,
			SmallThreshold:   cfg.PoolSmallThreshold,
			ExternalCapacity: cfg.PoolExternalBytes,
			LocalCapacity:    cfg.PoolLocalBytes,
		},
		HookInterval: cfg.HookInterval,
		StopWait:     cfg.StopWait,
	}, scripttest.New(), db, logger)
	defer eng.Close()

	listener, err := linkListener(cfg)
	if err != nil {
		log.Fatalf("failed to open link listener: %v", err)
	}

	a := agent.New(agent.Config{
		Header: protocol.Header{
			SenderID:      cfg.SenderID,
			ReceiverID:    cfg.ReceiverID,
			SenderGroup:   cfg.SenderGroup,
			ReceiverGroup: cfg.ReceiverGroup,
		},
	}, listener, eng, db, logger)
	defer a.Close()

	go func() {
		if err := a.Serve(); err != nil {
			logger.Error("link agent stopped", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// linkListener opens the event link on vsock when a port is configured,
// otherwise on TCP.
func linkListener(cfg config.Config) (net.Listener, error) {
	if cfg.VsockPort != 0 {
		return vsock.Listen(cfg.VsockPort, nil)
	}
	return net.Listen("tcp", cfg.LinkAddr)
}
