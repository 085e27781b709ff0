package offload

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	keysOnce sync.Once
	rsaKey   *rsa.PrivateKey
	rsaDER   []byte
	ecKey    *ecdsa.PrivateKey
	ecDER    []byte
)

func testKeys(t *testing.T) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaDER, err = x509.MarshalPKCS8PrivateKey(rsaKey)
		if err != nil {
			panic(err)
		}
		ecKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		ecDER, err = x509.MarshalPKCS8PrivateKey(ecKey)
		if err != nil {
			panic(err)
		}
	})
}

type fixture struct {
	drv     *soft.Driver
	manager *Manager
	section *Section
}

// startFixture acquires a manager over a fresh software device and starts a
// section on it. Everything is torn down when the test ends.
func startFixture(t *testing.T, opts soft.Options, cfg SectionConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	if cfg.PollDelay == 0 {
		cfg.PollDelay = time.Millisecond
	}
	drv := soft.New(opts)
	m, err := Acquire(ctx, ManagerConfig{Driver: drv, Logger: testLogger()})
	require.NoError(t, err)
	s, err := m.StartSection(ctx, cfg)
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
	return &fixture{drv: drv, manager: m, section: s}
}

func usersPerHandle(s *Section) []int {
	users := make([]int, 0, len(s.handles))
	for _, h := range s.handles {
		users = append(users, h.Users())
	}
	return users
}

// requireLogicPanic runs fn and requires it to panic with *LogicError.
func requireLogicPanic(t *testing.T, fn func()) {
	t.Helper()
	var recovered interface{}
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	require.NotNil(t, recovered, "expected a panic")
	err, ok := recovered.(error)
	require.True(t, ok, "panic value %v is not an error", recovered)
	var logicErr *LogicError
	require.True(t, errors.As(err, &logicErr), "panic value %v is not a LogicError", recovered)
}
