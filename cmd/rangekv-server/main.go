package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rangekv/internal/backup"
	"rangekv/internal/config"
	"rangekv/internal/engine/pebble"
	"rangekv/internal/observability/metrics"
	"rangekv/internal/pd"
	"rangekv/internal/raftlog"
	grpcserver "rangekv/internal/server/grpc"
	"rangekv/internal/snapshot"
	"rangekv/internal/store"
	"rangekv/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/server.example.yaml", "path to server config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	eng, err := pebble.Open(filepath.Join(cfg.Data.Dir, "kv"))
	if err != nil {
		logger.Fatal("open engine", zap.Error(err))
	}
	raftDB, err := raftlog.Open(filepath.Join(cfg.Data.Dir, "raft.db"), logger)
	if err != nil {
		logger.Fatal("open raft log", zap.Error(err))
	}
	snaps, err := snapshot.NewManager(eng, filepath.Join(cfg.Data.Dir, "snap"), logger)
	if err != nil {
		logger.Fatal("open snapshot manager", zap.Error(err))
	}

	var backupEng *backup.Engine
	if cfg.Backup.Enabled {
		var objStore backup.ObjectStore
		if cfg.Backup.ObjectStoreDir != "" {
			objStore, err = backup.NewDirStore(cfg.Backup.ObjectStoreDir)
			if err != nil {
				logger.Fatal("open backup object store", zap.Error(err))
			}
		}
		backupEng, err = backup.Open(cfg.Backup.Dir, cfg.BackupEngineConfig(), objStore, logger)
		if err != nil {
			logger.Fatal("open backup engine", zap.Error(err))
		}
	}

	var pdc pd.Client
	var pdConn *pd.RemoteClient
	if cfg.Cluster.PDAddress != "" {
		pdConn, err = pd.Dial(cfg.Cluster.PDAddress)
		if err != nil {
			logger.Fatal("dial placement driver", zap.Error(err))
		}
		pdc = pdConn
	} else {
		// No driver configured: run a local one, for single-store setups.
		pdc = pd.NewService(pd.Policy{Replicas: cfg.Cluster.Replicas}, logger)
	}

	collector := metrics.NewStoreCollector(prometheus.DefaultRegisterer, "rangekv")

	st := store.New(cfg, eng, raftDB, snaps, backupEng, pdc, collector, logger)
	trans := transport.NewGRPCTransport(cfg.StoreID, snaps, nil, logger)
	st.SetTransport(trans)
	if err := st.Start(); err != nil {
		logger.Fatal("start store", zap.Error(err))
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = st.Bootstrap(bootCtx)
	bootCancel()
	if err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go refreshStoreAddrs(ctx, pdc, trans, cfg.StoreID)

	if cfg.GRPC.MetricsAddress != "" {
		if err := metrics.StartServer(ctx, cfg.GRPC.MetricsAddress); err != nil {
			logger.Warn("metrics server", zap.Error(err))
		}
	}

	srv := grpcserver.New(grpcserver.Config{Address: cfg.GRPC.Address}, st, snaps)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start grpc server", zap.Error(err))
	}
	logger.Info("store serving",
		zap.Uint64("store", cfg.StoreID),
		zap.String("address", cfg.GRPC.Address))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	srv.Stop()
	if err := st.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}
	_ = trans.Close()
	if pdConn != nil {
		_ = pdConn.Close()
	}
	if err := raftDB.Close(); err != nil {
		logger.Warn("raft log close", zap.Error(err))
	}
	if err := eng.Close(); err != nil {
		logger.Warn("engine close", zap.Error(err))
	}
}

// refreshStoreAddrs keeps the transport's address book in sync with the
// placement driver's store registry.
func refreshStoreAddrs(ctx context.Context, pdc pd.Client, trans *transport.GRPCTransport, selfID uint64) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		stores, err := pdc.Stores(callCtx)
		cancel()
		if err == nil {
			for _, si := range stores {
				if si.ID != selfID && si.Address != "" {
					trans.AddStore(si.ID, si.Address)
				}
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
