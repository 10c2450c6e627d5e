// Command lmtpd runs the LMTP session engine as a standalone daemon. Thin
// by design: load config, construct collaborators, construct daemon.Daemon,
// call StartAndBlock, handle SIGTERM/SIGINT by calling Stop — the rest of
// HouzuoGuo-laitos' own main.go wires unrelated daemons out of scope here.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyclops-mail/lmtpd/anvil"
	"github.com/cyclops-mail/lmtpd/config"
	"github.com/cyclops-mail/lmtpd/daemon/lmtpd"
	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/metrics"
	"github.com/cyclops-mail/lmtpd/passdb"
	"github.com/cyclops-mail/lmtpd/proxy"
	"github.com/cyclops-mail/lmtpd/router"
	"github.com/cyclops-mail/lmtpd/storage"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "lmtpd.json", "path to the JSON configuration file")
	flag.Parse()

	logger := &lalog.Logger{ComponentName: "lmtpd", ComponentID: []lalog.IDField{{Key: "pid", Value: os.Getpid()}}}

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Abort("main", err, "failed to load configuration from %s", *configPath)
	}

	daemon, err := lmtpd.FromSettings(settings)
	if err != nil {
		logger.Abort("main", err, "failed to build daemon from configuration")
	}
	daemon.Logger = logger
	daemon.Trusted = len(settings.TrustedNetworks) > 0

	metricsServer := metrics.NewServer(prometheus.DefaultRegisterer)
	daemon.Metrics = metricsServer

	daemon.Router = buildRouter(settings, logger, metricsServer)
	daemon.LocalDelivery = &storage.Mailbox{Logger: logger}

	var proxyTLSConfig *tls.Config
	if settings.TLSCertPath != "" {
		proxyTLSConfig = &tls.Config{}
	}
	resolver := proxy.ResolverConfig{Server: settings.DNSResolver, Timeout: settings.ResolveTimeout()}
	daemon.ProxyDialer = proxy.NewDialer(resolver, proxyTLSConfig, logger, metricsServer)

	if settings.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsServer.Handler())
			logger.Warning("main", http.ListenAndServe(settings.MetricsAddress, mux), "metrics listener stopped")
		}()
	}

	if err := daemon.Initialise(); err != nil {
		logger.Abort("main", err, "failed to initialise daemon")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("main", nil, "received shutdown signal")
		daemon.Stop()
	}()

	if err := daemon.StartAndBlock(); err != nil {
		log.Fatal(err)
	}
}

func buildRouter(settings *config.Settings, logger *lalog.Logger, metricsServer *metrics.Server) *router.Router {
	r := &router.Router{
		Directory:          storage.NewMaildirDirectory(settings.SpoolDir, settings.SpoolDir, logger),
		ProxyEnabled:       settings.ProxyEnabled,
		RecipientDelimiter: settings.Delimiter(),
		Metrics:            metricsServer,
		Logger:             logger,
	}
	if settings.PassdbNetwork != "" {
		r.Passdb = passdb.NewClient(settings.PassdbNetwork, settings.PassdbAddr, logger)
	}
	if settings.AnvilNetwork != "" {
		r.Concurrency = anvil.NewClient(settings.AnvilNetwork, settings.AnvilAddr, logger)
	} else {
		r.Concurrency = anvil.NewLocalFallback(settings.AnvilMaxPerUser, settings.AnvilWindowSecs, logger)
	}
	return r
}
