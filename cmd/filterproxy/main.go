package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CyberGrandChallenge/network-appliance/internal/proxy"
	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
	"github.com/CyberGrandChallenge/network-appliance/internal/tap"
)

func main() {
	os.Exit(run())
}

// run parses flags, loads the rule file, binds the listener, and serves
// until a termination signal arrives. It returns the process exit code per
// spec.md §6: 0 on clean shutdown, nonzero on bind failure, unreadable or
// invalid rule file, or a failure resolving the upstream host up front.
func run() int {
	listenPort := flag.Int("listen_port", 0, "local bind port (required)")
	host := flag.String("host", "", "upstream host (required)")
	port := flag.Int("port", 0, "upstream port (required)")
	rulesPath := flag.String("rules", "", "rule-file path (required)")
	maxConnections := flag.Int("max_connections", 0, "cap on concurrent connections (0 = unlimited)")
	negotiate := flag.Bool("negotiate", false, "enable the length-prefixed negotiate preamble")
	bufferSize := flag.Int("buffer_size", 4096, "per-side inspection ring buffer capacity, in bytes")
	pcapHost := flag.String("pcap_host", "", "packet-tap UDP sink host")
	pcapPort := flag.Int("pcap_port", 0, "packet-tap UDP sink port")
	pcapMaxPayload := flag.Int("pcap_max_payload", tap.DefaultMaxPayload, "packet-tap max payload bytes per datagram")
	metricsAddr := flag.String("metrics_addr", "", "if set, serve /metrics and /health on this address")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
		FormatLevel: func(i interface{}) string {
			// spec.md §6 pins exact "LEVEL : message" substrings (the
			// original appliance's Python `logging` format); zerolog's own
			// abbreviated level rendering ("INF", "ERR") would break that
			// match, so render the level the way the original does.
			s, _ := i.(string)
			switch s {
			case zerolog.LevelInfoValue:
				return "INFO :"
			case zerolog.LevelErrorValue:
				return "ERROR :"
			case zerolog.LevelDebugValue:
				return "DEBUG :"
			case zerolog.LevelWarnValue:
				return "WARN :"
			default:
				return strings.ToUpper(s) + " :"
			}
		},
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
		proxy.SetDebug(true)
	}

	if *listenPort <= 0 || *host == "" || *port <= 0 || *rulesPath == "" {
		log.Error().Msg("--listen_port, --host, --port, and --rules are all required")
		return 1
	}
	if *bufferSize <= 0 {
		log.Error().Int("buffer_size", *bufferSize).Msg("--buffer_size must be positive")
		return 1
	}

	ruleSet, err := loadRules(*rulesPath)
	if err != nil {
		log.Error().Err(err).Str("rules", *rulesPath).Msg("failed to load rule file")
		return 1
	}
	log.Info().Int("count", len(ruleSet)).Str("rules", *rulesPath).Msg("loaded rule file")

	if _, err := net.LookupHost(*host); err != nil {
		log.Error().Err(err).Str("host", *host).Msg("failed to resolve upstream host")
		return 1
	}

	var sink *tap.Sink
	if *pcapHost != "" && *pcapPort > 0 {
		sink, err = tap.NewSink(*pcapHost, *pcapPort, 0, *pcapMaxPayload)
		if err != nil {
			log.Error().Err(err).Str("pcap_host", *pcapHost).Int("pcap_port", *pcapPort).Msg("failed to open packet tap")
			return 1
		}
		defer sink.Close()
	}

	srv := proxy.New(proxy.Config{
		Upstream:       net.JoinHostPort(*host, strconv.Itoa(*port)),
		Rules:          ruleSet,
		BufferSize:     *bufferSize,
		Negotiate:      *negotiate,
		MaxConnections: *maxConnections,
		Tap:            sink,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *listenPort))
	if err != nil {
		log.Error().Err(err).Int("listen_port", *listenPort).Msg("failed to bind listener")
		return 1
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case <-sig:
		log.Info().Msg("received shutdown signal")
		listener.Close()
		return 0
	case err := <-serveErr:
		log.Error().Err(err).Msg("proxy stopped serving")
		return 1
	}
}

// loadRules opens path and parses it per spec.md §4.1. An empty or
// /dev/null rule file is valid and yields a nil rule set (transparent
// proxy).
func loadRules(path string) ([]*rules.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return rules.ParseFile(f)
}

// serveMetrics exposes the Prometheus /metrics and a plain-text /health
// endpoint, adapting the teacher's cmd/proxysip/main.go httpServer helper.
func serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	log.Info().Str("addr", address).Int("cpus", runtime.NumCPU()).Msg("metrics server started")
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
