package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"rangekv/pkg/api"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rangekv-cli [-addr host:port] <command> [args]

commands:
  put <key> <value>
  get <key>
  delete <key>
  scan <start> [end] [limit]
  regions
`)
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:20160", "store gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	conn, err := grpc.Dial(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fatal("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	kv := api.NewKVClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "put":
		if len(args) != 3 {
			usage()
		}
		resp, err := kv.Put(ctx, &api.PutRequest{Key: []byte(args[1]), Value: []byte(args[2])})
		checkRPC(err)
		checkKV(resp.Error)
		fmt.Println("OK")
	case "get":
		if len(args) != 2 {
			usage()
		}
		resp, err := kv.Get(ctx, &api.GetRequest{Key: []byte(args[1])})
		checkRPC(err)
		checkKV(resp.Error)
		if !resp.Found {
			fatal("key not found")
		}
		fmt.Println(string(resp.Value))
	case "delete":
		if len(args) != 2 {
			usage()
		}
		resp, err := kv.Delete(ctx, &api.DeleteRequest{Key: []byte(args[1])})
		checkRPC(err)
		checkKV(resp.Error)
		fmt.Println("OK")
	case "scan":
		if len(args) < 2 || len(args) > 4 {
			usage()
		}
		req := &api.ScanRequest{Start: []byte(args[1]), Limit: 100}
		if len(args) >= 3 {
			req.End = []byte(args[2])
		}
		if len(args) == 4 {
			if _, err := fmt.Sscanf(args[3], "%d", &req.Limit); err != nil {
				usage()
			}
		}
		resp, err := kv.Scan(ctx, req)
		checkRPC(err)
		checkKV(resp.Error)
		for _, pair := range resp.Pairs {
			fmt.Printf("%s\t%s\n", pair.Key, pair.Value)
		}
	case "regions":
		resp, err := kv.Regions(ctx, &api.RegionsRequest{})
		checkRPC(err)
		for _, r := range resp.Regions {
			fmt.Printf("region %d\t[%q, %q)\tepoch %d/%d\tleader-store %d\n",
				r.ID, r.StartKey, r.EndKey, r.Version, r.ConfVersion, r.LeaderStore)
		}
	default:
		usage()
	}
}

func checkRPC(err error) {
	if err != nil {
		fatal("%v", err)
	}
}

func checkKV(kvErr *api.KVError) {
	if kvErr == nil {
		return
	}
	switch {
	case kvErr.NotLeader != nil:
		fatal("not leader for region %d, try store %d",
			kvErr.NotLeader.RegionID, kvErr.NotLeader.LeaderStore)
	case kvErr.EpochStale != nil:
		fatal("region %d moved, refresh and retry", kvErr.EpochStale.RegionID)
	case kvErr.RegionNotFound != nil:
		fatal("region not found on this store")
	default:
		fatal("%s", kvErr.Message)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
