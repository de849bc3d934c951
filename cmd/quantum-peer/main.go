// Command quantum-peer is a demo binary exercising the Quantum Duplex
// transport: it opens one endpoint, sends whatever is typed on stdin on
// the reliable channel, prints whatever it receives, and serves
// Prometheus metrics.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/aetherflow/quantumduplex/cmd/quantum-peer/config"
	"github.com/aetherflow/quantumduplex/internal/endpoint"
	"github.com/aetherflow/quantumduplex/internal/metrics"
)

var (
	configFile = flag.String("f", "configs/quantum-peer.yaml", "config file path")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting quantum-peer", zap.String("version", version))

	ep, err := endpoint.Open(cfg.Endpoint.ListenAddr, cfg.Endpoint.PeerAddr, logger)
	if err != nil {
		logger.Fatal("failed to open endpoint", zap.Error(err))
	}
	defer ep.Close()

	if cfg.Metrics.Enable {
		go serveMetrics(cfg, logger, ep)
	}

	go printReceived(ep, logger)
	go readStdinAndSend(ep, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	if err := ep.Close(); err != nil {
		logger.Warn("endpoint close error", zap.Error(err))
	}
	logger.Info("quantum-peer shutdown complete")
}

func loadConfig(filename string) (*config.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("config file not found, using default config")
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// serveMetrics mirrors the endpoint's Metrics() snapshot into Prometheus
// collectors and serves them over HTTP. Counters are monotonic on the
// wire but the snapshot is cumulative, so each tick adds only the delta
// since the previous poll.
func serveMetrics(cfg *config.Config, logger *zap.Logger, ep *endpoint.Endpoint) {
	collector := metrics.New("quantumduplex", "peer", cfg.Endpoint.ListenAddr)

	var prev endpoint.Metrics
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			cur := ep.Metrics()
			collector.FramesSentTotal.WithLabelValues("reliable").Add(float64(delta(cur.ReliableSent, prev.ReliableSent)))
			collector.FramesSentTotal.WithLabelValues("unreliable").Add(float64(delta(cur.UnreliableSent, prev.UnreliableSent)))
			collector.FramesReceivedTotal.WithLabelValues("reliable").Add(float64(delta(cur.ReliableReceived, prev.ReliableReceived)))
			collector.FramesReceivedTotal.WithLabelValues("unreliable").Add(float64(delta(cur.UnreliableReceived, prev.UnreliableReceived)))
			collector.AcksSentTotal.Add(float64(delta(cur.AcksSent, prev.AcksSent)))
			collector.AcksReceivedTotal.Add(float64(delta(cur.AcksReceived, prev.AcksReceived)))
			collector.PacketsAckedTotal.Add(float64(delta(cur.PacketsAcked, prev.PacketsAcked)))
			collector.PacketsRetransmittedTotal.Add(float64(delta(cur.PacketsRetransmitted, prev.PacketsRetransmitted)))
			collector.PacketsFailedTotal.Add(float64(delta(cur.PacketsFailed, prev.PacketsFailed)))
			collector.FastRetransmitsTotal.Add(float64(delta(cur.FastRetransmits, prev.FastRetransmits)))
			collector.PacketsReorderedTotal.Add(float64(delta(cur.PacketsReordered, prev.PacketsReordered)))
			collector.PacketsBuffered.Set(float64(cur.PacketsBuffered))
			collector.DeliveryRatio.Set(cur.DeliveryRatioPercent)
			prev = cur
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())

	logger.Info("serving metrics", zap.String("addr", addr), zap.String("path", cfg.Metrics.Path))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func printReceived(ep *endpoint.Endpoint, logger *zap.Logger) {
	for {
		frame, ok := ep.Receive()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		fmt.Printf("[recv seq=%d channel=%d] %s\n", frame.Seq, frame.Channel, frame.Payload)
	}
}

func readStdinAndSend(ep *endpoint.Endpoint, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := ep.Send(scanner.Bytes(), true); err != nil {
			logger.Warn("send failed", zap.Error(err))
		}
	}
}
