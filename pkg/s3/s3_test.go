package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatest(t *testing.T) {
	keys := []string{
		"regserv/snapshot-1700000000000000000.json.zst.age",
		"regserv/snapshot-1700000900000000000.json.zst.age",
		"regserv/notes.txt",
		"regserv/snapshot-1699999999000000000.json.zst.age",
	}

	got, ok := Latest(keys, ".json.zst.age")
	require.True(t, ok)
	assert.Equal(t, "regserv/snapshot-1700000900000000000.json.zst.age", got)

	_, ok = Latest([]string{"regserv/notes.txt"}, ".json.zst.age")
	assert.False(t, ok)
}

func TestNewBucketValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewBucket(ctx, Config{})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewBucket(ctx, Config{Bucket: "backups", AccessKey: "only-half"})
	assert.ErrorContains(t, err, "must be set together")

	b, err := NewBucket(ctx, Config{
		Bucket:         "backups",
		Endpoint:       "localhost:8333",
		AccessKey:      "key",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "backups", b.Name())
}

// writeCABundle writes a self-signed CA certificate in PEM form and returns its path.
func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "regserv test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestNewBucketWithCustomCABundle(t *testing.T) {
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))

	b, err := NewBucket(context.Background(), Config{
		Bucket:    "backups",
		Endpoint:  "https://s3.internal.test",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "backups", b.Name())
}
