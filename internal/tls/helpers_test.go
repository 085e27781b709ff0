package tls

import (
	"context"
	"crypto/x509"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-keyoffload/internal/offload"
	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	pairsOnce sync.Once
	rsaPair   *KeyPair
	ecdsaPair *KeyPair
)

// testPairs returns self-signed localhost key pairs, generated once per run.
func testPairs(t *testing.T) (*KeyPair, *KeyPair) {
	t.Helper()
	pairsOnce.Do(func() {
		rsaPair = mustPair(KeyTypeRSA)
		ecdsaPair = mustPair(KeyTypeECDSA)
	})
	return rsaPair, ecdsaPair
}

func mustPair(keyType string) *KeyPair {
	certPEM, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{
		CommonName: "localhost",
		KeyType:    keyType,
	})
	if err != nil {
		panic(err)
	}
	kp, err := ParseKeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return kp
}

func rootsFor(kp *KeyPair) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(kp.Leaf)
	return pool
}

type offloadFixture struct {
	drv      *soft.Driver
	section  *offload.Section
	provider *offload.Provider
}

// startOffload brings up a software accelerator with the given number of
// instances. It is drained and released when the test ends.
func startOffload(t *testing.T, instances int) *offloadFixture {
	t.Helper()
	ctx := context.Background()

	drv := soft.New(soft.Options{Instances: instances, QueueDepth: 16})
	m, err := offload.Acquire(ctx, offload.ManagerConfig{Driver: drv, Logger: testLogger()})
	require.NoError(t, err)
	s, err := m.StartSection(ctx, offload.SectionConfig{Name: "tls-test", PollDelay: time.Millisecond})
	if err != nil {
		_ = m.Release(ctx)
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = s.Drain(drainCtx)
		_ = m.Release(ctx)
	})
	return &offloadFixture{
		drv:      drv,
		section:  s,
		provider: offload.NewProvider(offload.ProviderOptions{Logger: testLogger()}),
	}
}

func (f *offloadFixture) users() int {
	total := 0
	for _, st := range f.section.Stats() {
		total += st.Users
	}
	return total
}

func (f *offloadFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.section.Drain(ctx))
}
