package soft

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

func startedDriver(t *testing.T, opts Options) (*Driver, []driver.InstanceHandle) {
	t.Helper()
	d := New(opts)
	require.Equal(t, driver.StatusSuccess, d.UserStart("test"))
	n, st := d.NumInstances()
	require.Equal(t, driver.StatusSuccess, st)
	handles, st := d.Instances(n)
	require.Equal(t, driver.StatusSuccess, st)
	for _, h := range handles {
		require.Equal(t, driver.StatusSuccess, d.StartInstance(h))
	}
	return d, handles
}

type result struct {
	status driver.Status
	output []byte
}

func submit(t *testing.T, d *Driver, inst driver.InstanceHandle, req *driver.Request) chan result {
	t.Helper()
	ch := make(chan result, 1)
	req.Done = func(st driver.Status, out []byte) { ch <- result{st, out} }
	require.Equal(t, driver.StatusSuccess, d.Submit(inst, req))
	return ch
}

func TestNewDefaults(t *testing.T) {
	d := New(Options{Instances: 4, NUMANodes: 2})
	assert.Len(t, d.instances, 4)
	assert.Equal(t, 64, d.opts.QueueDepth)
	assert.Equal(t, 1, d.instances[3].info.NUMANode)
}

func TestUserStartOnlyOnce(t *testing.T) {
	d := New(Options{Instances: 1})
	assert.Equal(t, driver.StatusSuccess, d.UserStart("proxy"))
	assert.Equal(t, driver.StatusFail, d.UserStart("proxy"))
	assert.Equal(t, driver.StatusSuccess, d.UserStop())
	assert.Equal(t, driver.StatusFail, d.UserStop())
	assert.Equal(t, int64(2), d.Counters().UserStarts)
}

func TestNumInstancesRequiresStart(t *testing.T) {
	d := New(Options{Instances: 2})
	_, st := d.NumInstances()
	assert.Equal(t, driver.StatusFail, st)
}

func TestFailPoints(t *testing.T) {
	d := New(Options{Instances: 2, FailAt: FailStartInstance, FailInstance: 1})
	require.Equal(t, driver.StatusSuccess, d.UserStart("proxy"))
	assert.Equal(t, driver.StatusSuccess, d.StartInstance(1))
	assert.Equal(t, driver.StatusFail, d.StartInstance(2))

	d = New(Options{Instances: 1, FailAt: FailUserStart})
	assert.Equal(t, driver.StatusFail, d.UserStart("proxy"))
}

func TestSignRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	d, handles := startedDriver(t, Options{Instances: 1})
	digest := sha256.Sum256([]byte("client hello"))

	ch := submit(t, d, handles[0], &driver.Request{
		Kind:      driver.OpSign,
		Algorithm: driver.AlgorithmRSAPKCS1SHA256,
		Key:       der,
		Input:     digest[:],
	})
	select {
	case <-ch:
		t.Fatal("completion must not run before poll")
	default:
	}

	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	res := <-ch
	require.Equal(t, driver.StatusSuccess, res.status)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], res.output))

	ch = submit(t, d, handles[0], &driver.Request{
		Kind:      driver.OpSign,
		Algorithm: driver.AlgorithmRSAPSSRSAESHA256,
		Key:       der,
		Input:     digest[:],
	})
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	res = <-ch
	require.Equal(t, driver.StatusSuccess, res.status)
	assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], res.output,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))
}

func TestSignECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	d, handles := startedDriver(t, Options{Instances: 1})
	digest := sha256.Sum256([]byte("server key exchange"))

	ch := submit(t, d, handles[0], &driver.Request{
		Kind:      driver.OpSign,
		Algorithm: driver.AlgorithmECDSAP256SHA256,
		Key:       der,
		Input:     digest[:],
	})
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	res := <-ch
	require.Equal(t, driver.StatusSuccess, res.status)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], res.output))
}

func TestDecryptRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	secret := []byte("premaster secret material")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, secret)
	require.NoError(t, err)

	d, handles := startedDriver(t, Options{Instances: 1})
	ch := submit(t, d, handles[0], &driver.Request{
		Kind:      driver.OpDecrypt,
		Algorithm: driver.AlgorithmRSAPKCS1v15Decrypt,
		Key:       der,
		Input:     ciphertext,
	})
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	res := <-ch
	require.Equal(t, driver.StatusSuccess, res.status)
	assert.Equal(t, secret, res.output)
}

func TestSubmitValidation(t *testing.T) {
	d, handles := startedDriver(t, Options{Instances: 1, QueueDepth: 1})
	noop := func(driver.Status, []byte) {}

	assert.Equal(t, driver.StatusInvalidParam, d.Submit(handles[0], &driver.Request{
		Kind: driver.OpSign, Algorithm: driver.AlgorithmRSAPKCS1v15Decrypt, Done: noop,
	}))
	assert.Equal(t, driver.StatusInvalidParam, d.Submit(99, &driver.Request{
		Kind: driver.OpSign, Algorithm: driver.AlgorithmRSAPKCS1SHA256, Done: noop,
	}))

	req := &driver.Request{Kind: driver.OpSign, Algorithm: driver.AlgorithmRSAPKCS1SHA256, Done: noop}
	assert.Equal(t, driver.StatusSuccess, d.Submit(handles[0], req))
	assert.Equal(t, driver.StatusRetry, d.Submit(handles[0], req), "ring full")
}

func TestPollQuotaAndPause(t *testing.T) {
	d, handles := startedDriver(t, Options{Instances: 1})
	var done int
	for i := 0; i < 3; i++ {
		require.Equal(t, driver.StatusSuccess, d.Submit(handles[0], &driver.Request{
			Kind:      driver.OpSign,
			Algorithm: driver.AlgorithmRSAPKCS1SHA256,
			Key:       []byte("not a key"),
			Done:      func(driver.Status, []byte) { done++ },
		}))
	}

	d.Pause()
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	assert.Equal(t, 0, done)
	assert.Equal(t, 3, d.Queued(0))

	d.Resume()
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 2))
	assert.Equal(t, 2, done)
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	assert.Equal(t, 3, done)
	assert.Equal(t, int64(3), d.Counters().Completed)
	assert.Equal(t, int64(3), d.InstancePolls(0))
}

func TestFaultInjection(t *testing.T) {
	d, handles := startedDriver(t, Options{Instances: 2})

	d.SetPollStatus(1, driver.StatusFatal)
	assert.Equal(t, driver.StatusFatal, d.Poll(handles[1], 0))
	assert.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	d.SetPollStatus(1, driver.StatusSuccess)
	assert.Equal(t, driver.StatusSuccess, d.Poll(handles[1], 0))

	d.SetOpStatus(driver.StatusFail)
	ch := submit(t, d, handles[0], &driver.Request{Kind: driver.OpSign, Algorithm: driver.AlgorithmRSAPKCS1SHA256})
	require.Equal(t, driver.StatusSuccess, d.Poll(handles[0], 0))
	assert.Equal(t, driver.StatusFail, (<-ch).status)
}

func TestStopInstanceDropsQueue(t *testing.T) {
	d, handles := startedDriver(t, Options{Instances: 1})
	_ = submit(t, d, handles[0], &driver.Request{Kind: driver.OpSign, Algorithm: driver.AlgorithmRSAPKCS1SHA256})
	require.Equal(t, driver.StatusSuccess, d.StopInstance(handles[0]))
	assert.Equal(t, 0, d.Queued(0))
	assert.Equal(t, driver.StatusFail, d.Poll(handles[0], 0))
	assert.Equal(t, driver.StatusFail, d.StopInstance(handles[0]))
	assert.Equal(t, int64(1), d.Counters().InstanceStops)
}
