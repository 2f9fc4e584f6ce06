package uds

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/stretchr/testify/require"
)

func TestUDSAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ledger.sock")

	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := registry.New()
	reg.Set("m.io", registry.Policy{MinSigners: 1, AllowedSigners: []string{signer.PublicKeyHex()}})
	log := ledger.NewInMemoryLog(reg)

	srv, err := NewServer(log, nil)
	require.NoError(t, err)

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()
	time.Sleep(20 * time.Millisecond)

	client, err := Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	env, err := envelope.New("m.io", "v1", crypto.Hash{}, envelope.Body{Payload: "x"}, time.Unix(1, 0))
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)

	idx, _, err := client.Append(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	envs, err := client.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
}
