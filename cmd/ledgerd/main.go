// Command ledgerd boots the ledgered operating substrate: a durable
// append log, the lifecycle manager, and one attested transport adapter,
// assembled from environment configuration. It has no subcommands — one
// process, one configured transport, matching the teacher's
// default-to-server composition-root shape.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ealedger/pkg/audit"
	"github.com/Mindburn-Labs/ealedger/pkg/config"
	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/events"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/lifecycle"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/Mindburn-Labs/ealedger/pkg/store"
	"github.com/Mindburn-Labs/ealedger/pkg/transport/loopback"
	"github.com/Mindburn-Labs/ealedger/pkg/transport/mailbox"
	"github.com/Mindburn-Labs/ealedger/pkg/transport/quicrpc"
	"github.com/Mindburn-Labs/ealedger/pkg/transport/uds"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := slog.Default()
	auditLog := audit.NewLogger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Printf("ledgerd: create data dir: %v", err)
		return 1
	}

	signer, err := crypto.NewEd25519Signer("ledgerd")
	if err != nil {
		log.Printf("ledgerd: generate signing key: %v", err)
		return 1
	}

	// The signer ring starts with this process's own key active. Revoking
	// "ledgerd" in the ring withdraws trust from that key without
	// restarting with a new policy: AllowsSigner consults the ring live. A
	// successor key added to the ring is still refused, because both
	// policies' static AllowedSigners list names only this process's key.
	signers := crypto.NewKeyRing()
	signers.Add(signer)

	reg := registry.New()
	reg.Set("substrate.events", registry.Policy{
		MinSigners:     1,
		AllowedSigners: []string{signer.PublicKeyHex()},
		SignerKeyRing:  signers,
	})
	reg.Set("substrate.lifecycle", registry.Policy{
		MinSigners:     1,
		AllowedSigners: []string{signer.PublicKeyHex()},
		SignerKeyRing:  signers,
	})

	eventLog, err := store.OpenFileLog(filepath.Join(cfg.DataDir, "events"), cfg.SegmentBytes, reg)
	if err != nil {
		log.Printf("ledgerd: open event log: %v", err)
		return 1
	}
	defer func() { _ = eventLog.Close() }()

	content, err := store.NewContentStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		log.Printf("ledgerd: open content store: %v", err)
		return 1
	}

	eventsOrch := events.NewOrchestrator(events.RoleAgency, "substrate.events", "v1", eventLog, content, signer)

	lifecycleLog, err := store.OpenFileLog(filepath.Join(cfg.DataDir, "lifecycle"), cfg.SegmentBytes, reg)
	if err != nil {
		log.Printf("ledgerd: open lifecycle log: %v", err)
		return 1
	}
	defer func() { _ = lifecycleLog.Close() }()
	lifecycleOrch := events.NewOrchestrator(events.RoleAgency, "substrate.lifecycle", "v1", lifecycleLog, content, signer)

	verifierCtx, cancelVerifier := context.WithCancel(context.Background())
	defer cancelVerifier()
	wasmVerifier := lifecycle.NewWasmVerifier(verifierCtx)
	defer func() { _ = wasmVerifier.Close(verifierCtx) }()

	mgr := lifecycle.NewManager(content, wasmVerifier)

	// eventsOrch, mgr and lifecycleOrch are constructed here but are not
	// passed to any transport adapter below; every adapter serves eventLog
	// directly.
	_ = eventsOrch
	_ = mgr
	_ = lifecycleOrch

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = auditLog.Record(ctx, audit.EventSystem, "boot", cfg.TransportKind, map[string]interface{}{
		"data_dir": cfg.DataDir,
	})

	switch cfg.TransportKind {
	case "loopback":
		if _, err := loopback.New(eventLog, nil); err != nil {
			log.Printf("ledgerd: construct loopback transport: %v", err)
			return 1
		}
		logger.Info("ledgerd listening", "transport", "loopback")
		<-ctx.Done()

	case "uds":
		srv, err := uds.NewServer(eventLog, nil)
		if err != nil {
			log.Printf("ledgerd: construct uds server: %v", err)
			return 1
		}
		_ = os.Remove(cfg.UDSSocketPath)
		ln, err := net.Listen("unix", cfg.UDSSocketPath)
		if err != nil {
			log.Printf("ledgerd: listen on %s: %v", cfg.UDSSocketPath, err)
			return 1
		}
		logger.Info("ledgerd listening", "transport", "uds", "socket", cfg.UDSSocketPath)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ctx, ln) }()
		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				log.Printf("ledgerd: uds serve: %v", err)
				return 1
			}
		}

	case "quicrpc":
		tlsConfig, err := ephemeralServerTLSConfig()
		if err != nil {
			log.Printf("ledgerd: generate quicrpc tls identity: %v", err)
			return 1
		}
		ln, err := tls.Listen("tcp", cfg.ListenAddr, tlsConfig)
		if err != nil {
			log.Printf("ledgerd: listen on %s: %v", cfg.ListenAddr, err)
			return 1
		}
		defer func() { _ = ln.Close() }()
		logger.Info("ledgerd listening", "transport", "quicrpc", "addr", cfg.ListenAddr)
		go acceptQuicRPC(ctx, ln, eventLog)
		<-ctx.Done()

	case "mailbox":
		var counter mailbox.SlotCounter
		if cfg.RedisURL != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
			defer func() { _ = client.Close() }()
			counter = mailbox.NewRedisCounter(client, "ledgerd:mailbox:ring", cfg.MailboxRingSize)
		} else {
			counter = mailbox.NewInMemoryCounter(cfg.MailboxRingSize)
		}
		if _, err := mailbox.New(eventLog, cfg.MailboxSlotBytes, cfg.MailboxRingSize, counter, nil); err != nil {
			log.Printf("ledgerd: construct mailbox transport: %v", err)
			return 1
		}
		logger.Info("ledgerd listening", "transport", "mailbox", "ring_size", cfg.MailboxRingSize)
		<-ctx.Done()

	default:
		log.Printf("ledgerd: unknown transport kind %q", cfg.TransportKind)
		return 1
	}

	logger.Info("ledgerd shutting down")
	return 0
}

// acceptQuicRPC accepts connections on ln until ctx is cancelled, running
// the attestation handshake and request dispatch loop for each on its
// own goroutine.
func acceptQuicRPC(ctx context.Context, ln net.Listener, appendLog ledger.AppendLog) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ledgerd: quicrpc accept: %v", err)
			continue
		}
		go func() {
			stream, err := quicrpc.Accept(quicrpc.ServerConfig{Log: appendLog}, conn)
			if err != nil {
				log.Printf("ledgerd: quicrpc handshake: %v", err)
				return
			}
			if err := stream.ServeStream(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ledgerd: quicrpc serve: %v", err)
			}
		}()
	}
}

// ephemeralServerTLSConfig generates a throwaway self-signed ECDSA
// certificate for the process lifetime. quicrpc's attestation handshake
// is the actual trust boundary; the TLS layer only needs to carry an
// encrypted, authenticated channel for that handshake to run over, so a
// fresh identity per process start is sufficient and avoids requiring an
// operator-provisioned certificate for a single-binary deployment.
func ephemeralServerTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ledgerd"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
