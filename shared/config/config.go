package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/linluma/swapcandles/shared/models"
)

// CandlesConfig holds configuration for the candles service
type CandlesConfig struct {
	StreamURL string
	Provider  models.ProviderName
	Topics    []string
	Pair      models.TokenPair
	Interval  models.Interval

	HistorySymbol string
	Lookback      int
	Heartbeat     time.Duration
	LateBuckets   int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int

	ListenAddr string
	GRPCAddr   string
	LogLevel   string
	Dev        bool
}

// ClientConfig holds configuration for the chart client
type ClientConfig struct {
	Transport string
	ServerURL string
	GRPCAddr  string
	Duration  time.Duration
	Format    string
}

// ParseCandlesFlags parses command line flags for candles service.
// A .env file in the working directory, if present, supplies defaults.
func ParseCandlesFlags() (*CandlesConfig, error) {
	_ = godotenv.Load()
	return LoadCandlesConfig(flag.CommandLine, os.Args[1:])
}

// ParseClientFlags parses command line flags for the chart client
func ParseClientFlags() (*ClientConfig, error) {
	_ = godotenv.Load()
	return LoadClientConfig(flag.CommandLine, os.Args[1:])
}

// LoadCandlesConfig parses args into a CandlesConfig using environment
// variables as flag defaults
func LoadCandlesConfig(fs *flag.FlagSet, args []string) (*CandlesConfig, error) {
	var (
		streamURL     = fs.String("stream-url", env("SWAP_STREAM_URL", "wss://api.delta.example/ws"), "Swap stream websocket URL")
		provider      = fs.String("provider", env("SWAP_PROVIDER", string(models.ProviderDelta)), "Stream provider (delta/birdeye)")
		topics        = fs.String("topics", env("SWAP_TOPICS", ""), "Comma-separated pool or token addresses to subscribe")
		base          = fs.String("base", env("CHART_BASE", "SOL"), "Base token")
		quote         = fs.String("quote", env("CHART_QUOTE", "USDC"), "Quote token")
		interval      = fs.String("interval", env("CHART_INTERVAL", string(models.Interval1m)), "Candle interval")
		historySymbol = fs.String("history-symbol", env("HISTORY_SYMBOL", "SOLUSDT"), "Historical kline symbol; empty disables seeding")
		lookback      = fs.Int("lookback", envInt("HISTORY_LOOKBACK", 500), "Historical bars to seed")
		heartbeat     = fs.Duration("heartbeat", envDuration("CHART_HEARTBEAT", 5*time.Second), "Synthetic candle check period")
		lateBuckets   = fs.Int("late-buckets", envInt("CHART_LATE_BUCKETS", 0), "Buckets behind the latest that still accept swaps (0 accepts all)")
		initialDelay  = fs.Duration("retry-initial", envDuration("STREAM_RETRY_INITIAL", time.Second), "Initial reconnect delay")
		maxDelay      = fs.Duration("retry-max", envDuration("STREAM_RETRY_MAX", 30*time.Second), "Maximum reconnect delay")
		maxRetries    = fs.Int("retries", envInt("STREAM_RETRIES", 5), "Reconnect attempts before giving up")
		listenAddr    = fs.String("listen", env("CHART_LISTEN", ":8080"), "Chart server listen address")
		grpcAddr      = fs.String("grpc-listen", env("CHART_GRPC_LISTEN", ":50051"), "gRPC chart server listen address; empty disables")
		logLevel      = fs.String("log-level", env("LOG_LEVEL", "info"), "Log level")
		dev           = fs.Bool("dev", envBool("LOG_DEV", false), "Human readable development logging")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	iv, err := models.ParseInterval(*interval)
	if err != nil {
		return nil, err
	}

	p := models.ProviderName(strings.ToLower(*provider))
	if p != models.ProviderDelta && p != models.ProviderBirdeye {
		return nil, fmt.Errorf("unknown provider %q", *provider)
	}

	if *base == "" || *quote == "" {
		return nil, fmt.Errorf("base and quote tokens are required")
	}

	return &CandlesConfig{
		StreamURL:     *streamURL,
		Provider:      p,
		Topics:        splitList(*topics),
		Pair:          models.TokenPair{Base: *base, Quote: *quote},
		Interval:      iv,
		HistorySymbol: *historySymbol,
		Lookback:      *lookback,
		Heartbeat:     *heartbeat,
		LateBuckets:   *lateBuckets,
		InitialDelay:  *initialDelay,
		MaxDelay:      *maxDelay,
		MaxRetries:    *maxRetries,
		ListenAddr:    *listenAddr,
		GRPCAddr:      *grpcAddr,
		LogLevel:      *logLevel,
		Dev:           *dev,
	}, nil
}

// LoadClientConfig parses args into a ClientConfig
func LoadClientConfig(fs *flag.FlagSet, args []string) (*ClientConfig, error) {
	var (
		transport = fs.String("transport", env("CHART_TRANSPORT", "ws"), "Chart feed transport (ws/grpc)")
		server    = fs.String("server", env("CHART_SERVER", "ws://localhost:8080/ws"), "Chart server websocket URL")
		grpcAddr  = fs.String("grpc-server", env("CHART_GRPC_SERVER", "localhost:50051"), "gRPC chart server address")
		duration  = fs.Duration("duration", 0, "How long to run (0 runs until interrupted)")
		format    = fs.String("format", "table", "Output format (json/table)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *format != "json" && *format != "table" {
		return nil, fmt.Errorf("unknown format %q", *format)
	}
	if *transport != "ws" && *transport != "grpc" {
		return nil, fmt.Errorf("unknown transport %q", *transport)
	}

	return &ClientConfig{
		Transport: *transport,
		ServerURL: *server,
		GRPCAddr:  *grpcAddr,
		Duration:  *duration,
		Format:    *format,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}
