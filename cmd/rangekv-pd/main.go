package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"rangekv/internal/pd"
	"rangekv/pkg/api"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:2379", "gRPC listen address")
	replicas := flag.Int("replicas", 3, "target voter count per region")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	svc := pd.NewService(pd.Policy{Replicas: *replicas}, logger)

	srv := grpc.NewServer(grpc.ForceServerCodec(api.JSONCodec{}))
	pd.NewAPIServer(svc).Register(srv)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	logger.Info("placement driver serving", zap.String("address", *addr))

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.GracefulStop()
	logger.Info("placement driver stopped")
}
