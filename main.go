// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/duocall/duocall/internal/api"
	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/config"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/p2p"
	"github.com/duocall/duocall/internal/signal"
)

var log = logging.Logger("main")

var (
	configPath = flag.String("config", "duocall.json", "Path to the JSON config file")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("duocall v%s\n", appVersion)
		return
	}
	if *showHelp {
		flag.Usage()
		return
	}

	if err := run(); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, cfg.Identity.KeyFile, cfg.P2P.MdnsTag, cfg.P2P.Bootstrap)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	participantID := cfg.Identity.ParticipantID
	if participantID == "" {
		participantID = node.Host.ID().String()
	}

	relay := signal.NewRelay(node.PubSub, node.Host.ID(), participantID)
	defer relay.Close()

	guard := media.NewGuard()
	mgr := call.New(relay, participantID, call.Options{
		InviteTimeout:     cfg.InviteTimeout(),
		DisconnectedGrace: cfg.DisconnectedGrace(),
		STUNServers:       cfg.Call.STUNServers,
		Guard:             guard,
	})
	defer mgr.Close()

	mux := http.NewServeMux()
	api.NewServer(mgr, guard).Register(mux)

	srv := &http.Server{Addr: cfg.API.Bind, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("intent API listening on http://%s", cfg.API.Bind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("intent API: %w", err)
	}
	return srv.Shutdown(context.Background())
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
