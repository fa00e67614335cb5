package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"inferwire/internal/client"
	"inferwire/internal/transport"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"go.uber.org/zap"
)

func main() {
	// Flags / ENV Variables
	transportName := flag.String("transport", "tcp", "Transport: tcp or tag")
	server := flag.String("server", "127.0.0.1:9199", "Server host:port (tcp transport)")
	fabricURL := flag.String("fabric-url", "nats://127.0.0.1:4222", "Messaging fabric URL (tag transport)")
	channel := flag.String("channel", "inferwire", "Tag namespace on the fabric (tag transport)")
	prompt := flag.String("prompt", "Hello", "Prompt text")
	maxTokens := flag.Uint("max-tokens", 64, "Token budget for the completion")
	credit := flag.Uint("credit", 256<<10, "Streaming credit budget in bytes")
	iterations := flag.Int("iterations", 1, "Number of requests to run back to back")
	timeout := flag.Duration("timeout", 2*time.Minute, "Per-request completion deadline")
	live := flag.Bool("live", true, "Print chunks as they arrive")
	debug := flag.Bool("debug", false, "Debug enabled")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	host, port, err := splitServer(*server)
	if err != nil {
		panic(fmt.Sprintf("invalid --server: %s", err))
	}

	var tr transport.Transport
	switch *transportName {
	case "tcp":
		tr = transport.NewStream(log)
	case "tag":
		tr = transport.NewTag(log)
	default:
		panic(fmt.Sprintf("unknown transport %q", *transportName))
	}

	c, err := client.Dial(tr, transport.Options{
		ServerHost: host,
		ServerPort: port,
		FabricURL:  *fabricURL,
		Channel:    *channel,
	}, log)
	if err != nil {
		panic(fmt.Sprintf("dial: %s", err))
	}
	defer func() {
		_ = c.Close()
	}()

	if *live {
		c.OnChunk = func(chunk string) {
			fmt.Print(chunk)
		}
	}

	var latencies []time.Duration
	failed := false
	for i := 0; i < *iterations; i++ {
		res, err := c.Do(*prompt, uint32(*maxTokens), uint32(*credit), *timeout)
		if err != nil {
			log.Errorw("request failed", "iteration", i, "error", err)
			os.Exit(1)
		}
		if *live {
			fmt.Println()
		}
		if res.Failed() {
			failed = true
			log.Warnw("server error", "iteration", i, "error", res.ErrText)
		}
		log.Infow("request done",
			"iteration", i, "tokens", res.Tokens,
			"bytes", len(res.Text), "latency", res.Latency.String(),
			"server_elapsed_us", res.ServerElapsedUs)
		latencies = append(latencies, res.Latency)
	}

	if len(latencies) > 1 {
		printStats(latencies)
	}
	if failed {
		os.Exit(2)
	}
}

func printStats(latencies []time.Duration) {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("requests=%d mean=%s p50=%s p95=%s p99=%s\n",
		len(latencies),
		total/time.Duration(len(latencies)),
		pct(0.50), pct(0.95), pct(0.99))
}

func splitServer(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
