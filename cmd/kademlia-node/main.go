// Command kademlia-node runs a single DHT participant: it generates (or
// would load, if persistence were in scope) an identity, joins an optional
// bootstrap contact, and serves inbound RPCs until killed. It exists to
// exercise the service package end to end, not as a deployable binary —
// there is no flag-parsing framework and no config file format, only
// stdlib flag and a handful of process-lifetime options.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/securifier"
	"github.com/plprobelab/kadcore/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kademlia-node:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr  = flag.String("listen", "0.0.0.0:0", "UDP address to listen on")
		bootstrap   = flag.String("bootstrap", "", "host:port of a bootstrap peer")
		bootstrapID = flag.String("bootstrap-id", "", "hex node id of the bootstrap peer")
		bootstrapPK = flag.String("bootstrap-pubkey", "", "base64 PKIX DER public key of the bootstrap peer, recorded on its contact")
		hintsPath   = flag.String("bootstrap-hints", "", "file to persist the routing table to on shutdown and fall back to joining from when -bootstrap is omitted")
		rsaBits     = flag.Int("rsa-bits", 2048, "RSA key size for this node's identity")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	priv, err := securifier.GenerateKeyPair(*rsaBits)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	node, err := service.New(priv, service.Config{
		ListenAddr:         *listenAddr,
		BootstrapHintsPath: *hintsPath,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("close node", zap.Error(err))
		}
	}()

	logger.Info("node listening",
		zap.Stringer("id", node.Self()),
		zap.Stringer("addr", node.LocalAddr()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bootstrapContacts []kad.Contact
	if *bootstrap != "" {
		contact, err := parseBootstrapContact(*bootstrap, *bootstrapID, *bootstrapPK)
		if err != nil {
			return fmt.Errorf("parse bootstrap contact: %w", err)
		}
		bootstrapContacts = []kad.Contact{contact}
	}
	if len(bootstrapContacts) > 0 || *hintsPath != "" {
		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = node.Join(joinCtx, bootstrapContacts)
		cancel()
		if err != nil {
			logger.Warn("join failed, continuing as a seed node", zap.Error(err))
		} else {
			logger.Info("joined network", zap.Int("bootstrapContacts", len(bootstrapContacts)))
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// parseBootstrapContact builds a kad.Contact for the -bootstrap flag.
// bootstrapPK, if supplied, is recorded as the contact's public key. Envelope
// validation does not depend on it: the contact carries no self-signature,
// so the routing table cannot resolve the peer's key from it, and requests
// the peer sends us are checked against the key and self-signature in their
// own sender contact.
func parseBootstrapContact(addr, hexID, pubkeyB64 string) (kad.Contact, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return kad.Contact{}, fmt.Errorf("split host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return kad.Contact{}, fmt.Errorf("parse port: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return kad.Contact{}, fmt.Errorf("resolve host: %w", err)
		}
		ip = resolved.IP
	}

	contact := kad.Contact{
		PrimaryEndpoint: kad.Endpoint{Network: "udp", IP: ip, Port: uint16(port)},
	}

	if hexID != "" {
		id, err := key.FromHex(hexID)
		if err != nil {
			return kad.Contact{}, fmt.Errorf("parse bootstrap-id: %w", err)
		}
		contact.NodeID = id
		contact.PublicKeyID = hexID
	}
	if pubkeyB64 != "" {
		der, err := base64.StdEncoding.DecodeString(pubkeyB64)
		if err != nil {
			return kad.Contact{}, fmt.Errorf("decode bootstrap-pubkey: %w", err)
		}
		contact.PublicKey = der
	}
	return contact, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
