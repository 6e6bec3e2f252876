package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/alanwang67/replicated_kv/client"
	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/server"
	"github.com/alanwang67/replicated_kv/workload"
	"github.com/charmbracelet/log"
)

// Config is read from config.json in the working directory.
type Config struct {
	LogLevel string         `json:"log_level"`
	Server   serverConfig   `json:"server"`
	Clients  []clientConfig `json:"clients"`

	Workload   workload.Config `json:"workload"`
	DelayMs    int             `json:"delay_ms"`
	ResultsDir string          `json:"results_dir"`
}

type serverConfig struct {
	Network              string `json:"network"`
	Address              string `json:"address"`
	BroadcastParallelism int    `json:"broadcast_parallelism"`
	TransactionTimeoutMs int    `json:"transaction_timeout_ms"`
	DialTimeoutMs        int    `json:"dial_timeout_ms"`
}

type clientConfig struct {
	Id       uint64 `json:"id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: %s [server|client <id>|bench|get <key>|keys [prefix]]", os.Args[0])
	}

	dir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Error getting current directory: %v", err)
	}
	config, err := loadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		log.Fatalf("Can't load config.json: %s", err)
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	conn := &protocol.Connection{Network: config.Server.Network, Address: config.Server.Address}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "server":
		runServer(ctx, conn, config)

	case "client":
		if len(os.Args) < 3 {
			log.Fatalf("Usage: %s client <id>", os.Args[0])
		}
		id, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("Can't convert %s to int: %s", os.Args[2], err)
		}
		cc, ok := findClient(config.Clients, id)
		if !ok {
			log.Fatalf("Invalid client id %d", id)
		}
		if err := runClient(ctx, conn, cc, config, true); err != nil {
			log.Fatalf("Client %d: %v", id, err)
		}

	case "bench":
		runBench(ctx, conn, config)

	case "get":
		if len(os.Args) < 3 {
			log.Fatalf("Usage: %s get <key>", os.Args[0])
		}
		reply := protocol.GetReply{}
		if err := protocol.Invoke(*conn, server.ServiceName+".Get", &protocol.KeyRequest{Key: os.Args[2]}, &reply); err != nil {
			log.Fatalf("Get %s: %v", os.Args[2], err)
		}
		if !reply.Found {
			log.Fatalf("Key %s not found", os.Args[2])
		}
		fmt.Println(reply.Value)

	case "keys":
		method, req := "ListKeys", any(&protocol.Empty{})
		if len(os.Args) > 2 {
			method, req = "ListDirectory", &protocol.KeyRequest{Key: os.Args[2]}
		}
		reply := protocol.KeysReply{}
		if err := protocol.Invoke(*conn, server.ServiceName+"."+method, req, &reply); err != nil {
			log.Fatalf("%s: %v", method, err)
		}
		for _, k := range reply.Keys {
			fmt.Println(k)
		}

	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}

func loadConfig(filename string) (Config, error) {
	config := Config{
		LogLevel:   "info",
		Server:     serverConfig{Network: "tcp", Address: "localhost:1234"},
		ResultsDir: "results",
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, err
	}
	config.Workload.Delay = ms(config.DelayMs)
	return config, nil
}

func findClient(clients []clientConfig, id uint64) (clientConfig, bool) {
	for _, c := range clients {
		if c.Id == id {
			return c, true
		}
	}
	return clientConfig{}, false
}

func newServer(conn *protocol.Connection, config Config) *server.Server {
	return server.New(conn, server.Config{
		BroadcastParallelism: config.Server.BroadcastParallelism,
		TransactionTimeout:   ms(config.Server.TransactionTimeoutMs),
		DialTimeout:          ms(config.Server.DialTimeoutMs),
	})
}

func runServer(ctx context.Context, conn *protocol.Connection, config Config) {
	srv := newServer(conn, config)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Start(); err != nil {
		log.Fatalf("Server encountered an error: %v", err)
	}
}

// runClient registers one client, runs the configured workload through it and
// writes its metrics under the results directory.
func runClient(ctx context.Context, conn *protocol.Connection, cc clientConfig, config Config, seed bool) error {
	logger := log.Default().WithPrefix("client " + strconv.FormatUint(cc.Id, 10))
	c, err := client.Dial(client.Config{
		Server:      *conn,
		Hostname:    cc.Hostname,
		Port:        cc.Port,
		DialTimeout: ms(config.Server.DialTimeoutMs),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	wcfg := config.Workload
	wcfg.Seed += cc.Id
	gen := workload.NewGenerator(wcfg)
	runner := workload.NewRunner(c, wcfg.Rate, wcfg.Burst, logger)
	if seed {
		if err := runner.Seed(gen.Keys()); err != nil {
			return err
		}
	}

	metrics, err := runner.Run(ctx, gen.Generate())
	if err != nil {
		logger.Warn("workload interrupted", "err", err)
	}

	out := filepath.Join(config.ResultsDir, "client"+strconv.FormatUint(cc.Id, 10))
	if err := os.MkdirAll(out, os.ModePerm); err != nil {
		return err
	}
	if err := workload.SaveJSON(metrics, filepath.Join(out, "metrics.json")); err != nil {
		return err
	}
	if err := workload.SaveCSV(metrics, filepath.Join(out, "latency.csv"), filepath.Join(out, "throughput.csv")); err != nil {
		return err
	}
	if err := workload.SavePlots(metrics, out); err != nil {
		return err
	}

	summary := workload.Summarize(metrics)
	logger.Info("metrics saved", "dir", out, "operations", summary.Operations, "failed", summary.Failed,
		"mean_latency", summary.MeanLatency, "throughput", summary.Throughput)
	f, err := os.Create(filepath.Join(out, "summary.txt"))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := workload.WriteSummary(f, summary); err != nil {
		return err
	}
	return workload.SaveJSON(summary, filepath.Join(out, "summary.json"))
}

// runBench starts a server in this process and drives it with every
// configured client at once.
func runBench(ctx context.Context, conn *protocol.Connection, config Config) {
	srv := newServer(conn, config)
	defer srv.Close()

	ready := make(chan error, 1)
	go func() {
		ready <- srv.Start()
	}()
	for srv.Addr() == nil {
		select {
		case err := <-ready:
			log.Fatalf("Server failed to start: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	clients := config.Clients
	if len(clients) == 0 {
		clients = []clientConfig{{Id: 0, Hostname: "localhost"}}
	}

	var wg sync.WaitGroup
	for i, cc := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runClient(ctx, conn, cc, config, i == 0); err != nil {
				log.Error("client failed", "id", cc.Id, "err", err)
			}
		}()
	}
	wg.Wait()
	log.Info("bench completed", "clients", len(clients), "results", config.ResultsDir)
}
