package quicrpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
)

// testTLSConfig builds a throwaway self-signed identity, same shape as
// cmd/ledgerd's ephemeralServerTLSConfig, so this package's tests don't
// need an operator-provisioned certificate either.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "quicrpc-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func serve(t *testing.T, ln net.Listener, log ledger.AppendLog) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				stream, err := Accept(ServerConfig{Log: log}, conn)
				if err != nil {
					return
				}
				_ = stream.ServeStream(context.Background())
			}()
		}
	}()
}

func TestQuicRPCAppendReadSubscribe(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1, AllowedSigners: []string{signer.PublicKeyHex()}})
	log := ledger.NewInMemoryLog(reg)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", testTLSConfig(t))
	require.NoError(t, err)
	defer ln.Close()
	serve(t, ln, log)

	clientTLS := &tls.Config{InsecureSkipVerify: true}
	transport, err := Connect(ln.Addr().String(), clientTLS, nil)
	require.NoError(t, err)

	sub, err := transport.Subscribe(4)
	require.NoError(t, err)
	defer sub.Close()

	env, err := envelope.New("m.io", "v1", crypto.Hash{}, envelope.Body{Payload: "x"}, time.Unix(1, 0))
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)

	writer, err := Connect(ln.Addr().String(), clientTLS, nil)
	require.NoError(t, err)
	idx, _, err := writer.Append(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	select {
	case pushed := <-sub.Envelopes():
		require.Equal(t, env.Header.Channel, pushed.Header.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed envelope")
	}

	envs, err := writer.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
}
