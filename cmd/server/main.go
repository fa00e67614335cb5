package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"inferwire/internal/admin"
	"inferwire/internal/backend"
	"inferwire/internal/dispatch"
	"inferwire/internal/transport"
	"inferwire/internal/usage"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"go.uber.org/zap"
)

const progressInterval = 50 * time.Millisecond

func main() {
	// Flags / ENV Variables
	transportName := flag.String("transport", "tcp", "Transport: tcp or tag")
	backendName := flag.String("backend", "synthetic", "Backend: synthetic or llama")
	listen := flag.String("listen", "0.0.0.0:9199", "Data-plane listen host:port (tcp transport)")
	fabricURL := flag.String("fabric-url", "nats://127.0.0.1:4222", "Messaging fabric URL (tag transport)")
	channel := flag.String("channel", "inferwire", "Tag namespace on the fabric (tag transport)")
	adminListen := flag.String("admin-listen", ":8091", "Admin listener host:port (/ping, /metrics)")
	redisAddr := flag.String("redis-addr", "", "Redis host:port for usage recording, empty disables")
	llamaURL := flag.String("llama-url", "http://127.0.0.1:8080", "llama-server base URL")
	llamaEndpoint := flag.String("llama-endpoint", "/completion", "llama-server completion endpoint")
	modelPath := flag.String("model", "", "Local model path handed to the backend")
	ctxSize := flag.Int("ctx", 2048, "Model context size")
	threads := flag.Int("threads", 4, "Inference threads")
	maxTokensDefault := flag.Uint("max-tokens-default", 128, "Replacement for a zero max_tokens in requests")
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

	host, port, err := splitListen(*listen)
	if err != nil {
		panic(fmt.Sprintf("invalid --listen: %s", err))
	}

	var rec *usage.Recorder
	if *redisAddr != "" {
		rec, err = usage.New(*redisAddr, log)
		if err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
		defer rec.Close()
	}

	var be backend.Backend
	switch *backendName {
	case "synthetic":
		be = &backend.Synthetic{}
	case "llama":
		be = backend.NewLlamaServer(backend.LlamaOptions{
			BaseURL:  *llamaURL,
			Endpoint: *llamaEndpoint,
		}, log)
	default:
		panic(fmt.Sprintf("unknown backend %q", *backendName))
	}
	if err := be.Init(); err != nil {
		panic(fmt.Sprintf("backend init: %s", err))
	}
	if *modelPath != "" {
		if err := be.LoadModel(*modelPath, *ctxSize, *threads); err != nil {
			panic(fmt.Sprintf("model load: %s", err))
		}
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

	d := dispatch.New(be, tr, rec, log, dispatch.Config{
		DefaultMaxTokens: uint32(*maxTokensDefault),
		BackendLabel:     *backendName,
	})

	err = tr.StartServer(transport.Options{
		ListenHost: host,
		ListenPort: port,
		FabricURL:  *fabricURL,
		Channel:    *channel,
	}, d.OnIncoming)
	if err != nil {
		panic(fmt.Sprintf("transport start: %s", err))
	}
	d.Start()

	adm := admin.New(*adminListen, log)
	adm.Start()

	log.Infow("server up",
		"transport", *transportName, "backend", *backendName,
		"listen", *listen, "admin", *adminListen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for ctx.Err() == nil {
		if err := tr.Progress(progressInterval); err != nil {
			log.Errorw("transport progress failed", "error", err)
			break
		}
	}

	log.Infow("shutting down")
	adm.Shutdown()
	d.Stop()
	if err := tr.Close(); err != nil {
		log.Warnw("transport close", "error", err)
	}
}

func splitListen(s string) (string, int, error) {
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
