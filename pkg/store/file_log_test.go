package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/stretchr/testify/require"
)

func testRegistry(pub string) *registry.Registry {
	reg := registry.New()
	reg.Set("m.io", registry.Policy{
		MinSigners:               1,
		AllowedSigners:           []string{pub},
		EnforceTimestampOrdering: true,
	})
	return reg
}

func appendSigned(t *testing.T, fl *FileLog, signer *crypto.Ed25519Signer, prev crypto.Hash, ts time.Time) crypto.Hash {
	t.Helper()
	env, err := envelope.New("m.io", "v1", prev, envelope.Body{Payload: "x"}, ts)
	require.NoError(t, err)
	env, err = envelope.Sign(env, signer)
	require.NoError(t, err)
	_, _, err = fl.Append(context.Background(), env)
	require.NoError(t, err)
	h, err := envelope.EnvelopeHash(env)
	require.NoError(t, err)
	return h
}

func TestFileLogRecoveryMatchesPreCrashRoot(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := testRegistry(signer.PublicKeyHex())

	fl, err := OpenFileLog(dir, 0, reg)
	require.NoError(t, err)

	var prev crypto.Hash
	base := time.Unix(1, 0)
	for i := 0; i < 3; i++ {
		prev = appendSigned(t, fl, signer, prev, base.Add(time.Duration(i)*time.Second))
	}
	preCrashRoot := fl.Root()
	require.NoError(t, fl.Close())

	fl2, err := OpenFileLog(dir, 0, reg)
	require.NoError(t, err)
	require.Equal(t, 3, fl2.Len())
	require.Equal(t, preCrashRoot, fl2.Root())

	appendSigned(t, fl2, signer, prev, base.Add(3*time.Second))
	require.Equal(t, 4, fl2.Len())
	require.NoError(t, fl2.Close())
}

func TestFileLogMetadataMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := testRegistry(signer.PublicKeyHex())

	fl, err := OpenFileLog(dir, 0, reg)
	require.NoError(t, err)
	appendSigned(t, fl, signer, crypto.Hash{}, time.Unix(1, 0))
	require.NoError(t, fl.Close())

	metaPath := filepath.Join(dir, metaFileName)
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	var m metadata
	require.NoError(t, json.Unmarshal(raw, &m))
	m.Length++
	tampered, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, tampered, 0o644))

	_, err = OpenFileLog(dir, 0, reg)
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindMetadataMismatch, serr.Kind)
}

func TestFileLogWalChecksumMismatchIsTyped(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := testRegistry(signer.PublicKeyHex())

	fl, err := OpenFileLog(dir, 0, reg)
	require.NoError(t, err)
	appendSigned(t, fl, signer, crypto.Hash{}, time.Unix(1, 0))
	require.NoError(t, fl.Close())

	walPath := filepath.Join(dir, walFileName)
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	// Flip a byte inside the record body, past the length+checksum header,
	// so the checksum no longer matches.
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(walPath, raw, 0o644))

	_, err = OpenFileLog(dir, 0, reg)
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindWalChecksumMismatch, serr.Kind)
}

func TestFileLogCompactionPreservesReplay(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("K1")
	require.NoError(t, err)
	reg := testRegistry(signer.PublicKeyHex())

	fl, err := OpenFileLog(dir, 2, reg) // compact every 2 entries
	require.NoError(t, err)
	var prev crypto.Hash
	base := time.Unix(1, 0)
	for i := 0; i < 4; i++ {
		prev = appendSigned(t, fl, signer, prev, base.Add(time.Duration(i)*time.Second))
	}
	root := fl.Root()
	require.NoError(t, fl.Close())

	fl2, err := OpenFileLog(dir, 2, reg)
	require.NoError(t, err)
	require.Equal(t, 4, fl2.Len())
	require.Equal(t, root, fl2.Root())
}
