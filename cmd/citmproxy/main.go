// Command citmproxy runs CITM, the transparent IMAP intercepting proxy
// (spec.md §1): it terminates downward client TLS, authenticates
// against the local account registry, and pairs each account with an
// upward synchronizer against the real IMAP server, maintaining a
// persistent local maildir-style cache in between.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawshaw.io/iox"
	"golang.org/x/crypto/acme/autocert"

	"citm/citmlog"
	"citm/citmserver"
	"citm/config"
	"citm/cryptoengine"
	"citm/sfpair"
	"citm/transport"
	"citm/userdb"
	"citm/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "", "path to citmproxy's YAML config file")
	flagDev := flag.Bool("dev", false, `development server: use a local CA certificate instead of -config's tls section`)
	flag.Parse()

	if *flagConfig == "" {
		log.Fatal("citmproxy: -config is required")
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("citmproxy: loading config: %v", err)
	}

	logger := citmlog.New(citmlog.Options{Name: "citm", Level: cfg.LogLevel, JSON: cfg.LogJSON})
	logger.Info("citmproxy starting", "version", version, "time", time.Now())

	filer := iox.NewFiler(0)
	tempdir, err := os.MkdirTemp("", "citmproxy-")
	if err != nil {
		log.Fatalf("citmproxy: creating temp dir: %v", err)
	}
	filer.SetTempdir(tempdir)

	downTLS, certManager, err := downwardTLSConfig(cfg, *flagDev)
	if err != nil {
		log.Fatalf("citmproxy: downward TLS: %v", err)
	}
	if certManager != nil && cfg.TLS.ACMEHTTPAddr != "" {
		go func() {
			err := http.ListenAndServe(cfg.TLS.ACMEHTTPAddr, certManager.HTTPHandler(nil))
			if err != nil && err != http.ErrServerClosed {
				logger.Error("acme http-01 listener exited", "error", err)
			}
		}()
	}

	var keypair *cryptoengine.Keypair
	if cfg.Keypair != "" {
		pemBytes, err := os.ReadFile(cfg.Keypair)
		if err != nil {
			log.Fatalf("citmproxy: reading keypair: %v", err)
		}
		keypair, err = cryptoengine.KeypairLoad(pemBytes)
		if err != nil {
			log.Fatalf("citmproxy: loading keypair: %v", err)
		}
	} else {
		logger.Warn("no keypair configured, messages will be cached without decryption")
	}

	if cfg.UserDB == "" {
		log.Fatal("citmproxy: userdb path is required")
	}
	dbpool, err := userdb.Open(cfg.UserDB)
	if err != nil {
		log.Fatalf("citmproxy: opening userdb: %v", err)
	}

	auth := &userdb.Authenticator{
		DB:    dbpool,
		Where: "citmproxy",
		Logf:  logger.Named("auth").StandardLogger(nil).Printf,
	}

	janitor := userdb.NewJanitor(dbpool)
	janitor.Logf = logger.Named("janitor").StandardLogger(nil).Printf
	go func() {
		if err := janitor.Run(); err != nil {
			logger.Error("janitor exited", "error", err)
		}
	}()

	if cfg.MaildirRoot == "" {
		log.Fatal("citmproxy: maildir_root is required")
	}
	if err := os.MkdirAll(cfg.MaildirRoot, 0700); err != nil {
		log.Fatalf("citmproxy: creating maildir root: %v", err)
	}

	backend := &sfpair.Backend{
		Auth:                auth,
		MaildirRoot:         cfg.MaildirRoot,
		DefaultUpstreamAddr: cfg.Upstream.Addr,
		UpstreamTLS:         upstreamTLSConfig(cfg),
		Keypair:             keypair,
		Parallelism:         cfg.Fetch.Parallelism,
		ChunkSize:           cfg.Fetch.ChunkSize,
		Log:                 logger.Named("backend"),
	}

	server := &citmserver.Server{
		Filer:   filer,
		Log:     logger.Named("server"),
		Backend: backend,
		Version: version,
	}

	if cfg.Listen == "" {
		log.Fatal("citmproxy: listen address is required")
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("citmproxy: listening on %s: %v", cfg.Listen, err)
	}
	downLn := transport.Listen(ln, downTLS)
	go func() {
		if err := downLn.Serve(server.HandleConn); err != nil {
			logger.Error("downward listener exited", "error", err)
		}
	}()
	logger.Info("accepting downward connections", "addr", ln.Addr())

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	logger.Info("citmproxy shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		downLn.Close()
		server.Shutdown()
	}()
	wg.Wait()

	if err := janitor.Shutdown(shutdownCtx); err != nil {
		logger.Error("janitor shutdown error", "error", err)
	}
	if err := filer.Shutdown(shutdownCtx); err != nil {
		logger.Error("filer shutdown error", "error", err)
	}
	if err := dbpool.Close(); err != nil {
		logger.Error("userdb close error", "error", err)
	}
	logger.Info("citmproxy shut down")
}

// downwardTLSConfig builds the certificate the downward listener
// presents to connecting clients: a locally-generated dev certificate
// (spec.md's ambient stack calls for the teacher's own -dev/devcert
// convention), a Let's Encrypt certificate autocert.Manager fetches
// and renews on its own (the teacher's certManager/-http_addr
// convention in cmd/spilld), or the static cert/key pair named in
// cfg.TLS. The returned *autocert.Manager is non-nil only in the ACME
// case, so main can start its HTTP-01 challenge listener.
func downwardTLSConfig(cfg *config.Config, dev bool) (*tls.Config, *autocert.Manager, error) {
	if dev || cfg.TLS.Dev {
		tlsCfg, err := devcert.Config()
		return tlsCfg, nil, err
	}
	if cfg.TLS.ACME {
		if cfg.Hostname == "" {
			return nil, nil, fmt.Errorf("citmproxy: tls.acme requires hostname to be set")
		}
		cacheDir := cfg.TLS.ACMECacheDir
		if cacheDir == "" {
			cacheDir = "tls_certs"
		}
		mgr := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Hostname),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &tls.Config{GetCertificate: mgr.GetCertificate}, mgr, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil, nil
}

// upstreamTLSConfig builds the TLS config fetcher uses to dial the
// real IMAP server; Insecure skips certificate verification for local
// development against a self-signed upstream.
func upstreamTLSConfig(cfg *config.Config) *tls.Config {
	host, _, _ := net.SplitHostPort(cfg.Upstream.Addr)
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.Upstream.Insecure,
	}
}
