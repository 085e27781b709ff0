// Package soft emulates a cryptographic accelerator in software.
//
// Each instance owns a bounded request ring. Submit only queues; the RSA and
// ECDSA work happens inside Poll, which is also where completion callbacks
// run, so the asynchronous contract matches real hardware. Fault injection
// and call counters make it the hardware fake for tests.
package soft

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// FailPoint names a driver call that can be made to fail.
type FailPoint string

const (
	FailNone               FailPoint = ""
	FailUserStart          FailPoint = "user_start"
	FailAddressTranslation FailPoint = "address_translation"
	FailInstanceInfo       FailPoint = "instance_info"
	FailStartInstance      FailPoint = "start_instance"
)

// Options configures the emulated device.
type Options struct {
	Instances  int
	NUMANodes  int
	QueueDepth int
	PartName   string

	// FailAt makes the named call return StatusFail for the instance at
	// index FailInstance.
	FailAt       FailPoint
	FailInstance int
}

// Counters are cumulative call counts.
type Counters struct {
	UserStarts     int64
	UserStops      int64
	InstanceStarts int64
	InstanceStops  int64
	Submitted      int64
	Completed      int64
	Polls          int64
}

type instance struct {
	info driver.InstanceInfo

	mu      sync.Mutex
	started bool
	queue   []*driver.Request
	polls   int64
	pollSt  driver.Status
}

// Driver is a software accelerator.
type Driver struct {
	opts Options

	mu        sync.Mutex
	started   bool
	instances []*instance

	paused   atomic.Bool
	opStatus atomic.Int32
	keys     sync.Map

	userStarts     atomic.Int64
	userStops      atomic.Int64
	instanceStarts atomic.Int64
	instanceStops  atomic.Int64
	submitted      atomic.Int64
	completed      atomic.Int64
	polls          atomic.Int64
}

var _ driver.Driver = (*Driver)(nil)

// New creates a device with opts applied over defaults of one instance, one
// NUMA node and a ring depth of 64.
func New(opts Options) *Driver {
	if opts.Instances < 0 {
		opts.Instances = 0
	}
	if opts.NUMANodes <= 0 {
		opts.NUMANodes = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.PartName == "" {
		opts.PartName = "soft-accel"
	}

	d := &Driver{opts: opts}
	for i := 0; i < opts.Instances; i++ {
		d.instances = append(d.instances, &instance{
			info: driver.InstanceInfo{
				ID:           i,
				PartName:     opts.PartName,
				NUMANode:     i % opts.NUMANodes,
				Polled:       true,
				Accelerators: 1,
			},
		})
	}
	return d
}

func (d *Driver) failing(point FailPoint, idx int) bool {
	return d.opts.FailAt == point && (point == FailUserStart || d.opts.FailInstance == idx)
}

func (d *Driver) lookup(inst driver.InstanceHandle) (*instance, int, bool) {
	idx := int(inst) - 1
	if idx < 0 || idx >= len(d.instances) {
		return nil, idx, false
	}
	return d.instances[idx], idx, true
}

func (d *Driver) UserStart(string) driver.Status {
	d.userStarts.Add(1)
	if d.failing(FailUserStart, 0) {
		return driver.StatusFail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return driver.StatusFail
	}
	d.started = true
	return driver.StatusSuccess
}

func (d *Driver) UserStop() driver.Status {
	d.userStops.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return driver.StatusFail
	}
	d.started = false
	return driver.StatusSuccess
}

func (d *Driver) isStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *Driver) NumInstances() (uint16, driver.Status) {
	if !d.isStarted() {
		return 0, driver.StatusFail
	}
	return uint16(len(d.instances)), driver.StatusSuccess
}

func (d *Driver) Instances(n uint16) ([]driver.InstanceHandle, driver.Status) {
	if !d.isStarted() {
		return nil, driver.StatusFail
	}
	if int(n) > len(d.instances) {
		return nil, driver.StatusInvalidParam
	}
	handles := make([]driver.InstanceHandle, n)
	for i := range handles {
		handles[i] = driver.InstanceHandle(i + 1)
	}
	return handles, driver.StatusSuccess
}

func (d *Driver) SetAddressTranslation(inst driver.InstanceHandle) driver.Status {
	_, idx, ok := d.lookup(inst)
	if !ok {
		return driver.StatusInvalidParam
	}
	if d.failing(FailAddressTranslation, idx) {
		return driver.StatusFail
	}
	return driver.StatusSuccess
}

func (d *Driver) InstanceInfo(inst driver.InstanceHandle) (driver.InstanceInfo, driver.Status) {
	in, idx, ok := d.lookup(inst)
	if !ok {
		return driver.InstanceInfo{}, driver.StatusInvalidParam
	}
	if d.failing(FailInstanceInfo, idx) {
		return driver.InstanceInfo{}, driver.StatusFail
	}
	return in.info, driver.StatusSuccess
}

func (d *Driver) StartInstance(inst driver.InstanceHandle) driver.Status {
	in, idx, ok := d.lookup(inst)
	if !ok {
		return driver.StatusInvalidParam
	}
	if d.failing(FailStartInstance, idx) {
		return driver.StatusFail
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started {
		return driver.StatusFail
	}
	in.started = true
	d.instanceStarts.Add(1)
	return driver.StatusSuccess
}

func (d *Driver) StopInstance(inst driver.InstanceHandle) driver.Status {
	in, _, ok := d.lookup(inst)
	if !ok {
		return driver.StatusInvalidParam
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.started {
		return driver.StatusFail
	}
	in.started = false
	in.queue = nil
	d.instanceStops.Add(1)
	return driver.StatusSuccess
}

func (d *Driver) Submit(inst driver.InstanceHandle, req *driver.Request) driver.Status {
	in, _, ok := d.lookup(inst)
	if !ok || req == nil || req.Done == nil || !req.Algorithm.Supports(req.Kind) {
		return driver.StatusInvalidParam
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.started {
		return driver.StatusFail
	}
	if len(in.queue) >= d.opts.QueueDepth {
		return driver.StatusRetry
	}
	in.queue = append(in.queue, req)
	d.submitted.Add(1)
	return driver.StatusSuccess
}

func (d *Driver) Poll(inst driver.InstanceHandle, quota uint32) driver.Status {
	in, _, ok := d.lookup(inst)
	if !ok {
		return driver.StatusInvalidParam
	}
	d.polls.Add(1)

	in.mu.Lock()
	in.polls++
	if !in.started {
		in.mu.Unlock()
		return driver.StatusFail
	}
	if in.pollSt != driver.StatusSuccess {
		st := in.pollSt
		in.mu.Unlock()
		return st
	}
	if d.paused.Load() {
		in.mu.Unlock()
		return driver.StatusSuccess
	}
	n := len(in.queue)
	if quota > 0 && int(quota) < n {
		n = int(quota)
	}
	batch := in.queue[:n:n]
	in.queue = in.queue[n:]
	in.mu.Unlock()

	for _, req := range batch {
		st, out := d.perform(req)
		d.completed.Add(1)
		req.Done(st, out)
	}
	return driver.StatusSuccess
}

func (d *Driver) perform(req *driver.Request) (driver.Status, []byte) {
	if st := driver.Status(d.opStatus.Load()); st != driver.StatusSuccess {
		return st, nil
	}
	key, err := d.parseKey(req.Key)
	if err != nil {
		return driver.StatusInvalidParam, nil
	}

	var out []byte
	switch req.Kind {
	case driver.OpSign:
		out, err = sign(key, req.Algorithm, req.Input)
	case driver.OpDecrypt:
		out, err = decrypt(key, req.Input)
	default:
		err = fmt.Errorf("unknown operation %v", req.Kind)
	}
	if err != nil {
		return driver.StatusFail, nil
	}
	if req.MaxOutput > 0 && len(out) > req.MaxOutput {
		return driver.StatusFail, nil
	}
	return driver.StatusSuccess, out
}

func (d *Driver) parseKey(der []byte) (crypto.PrivateKey, error) {
	if cached, ok := d.keys.Load(string(der)); ok {
		return cached, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		if rsaKey, rerr := x509.ParsePKCS1PrivateKey(der); rerr == nil {
			key, err = rsaKey, nil
		} else if ecKey, eerr := x509.ParseECPrivateKey(der); eerr == nil {
			key, err = ecKey, nil
		}
	}
	if err != nil {
		return nil, err
	}
	d.keys.Store(string(der), key)
	return key, nil
}

func sign(key crypto.PrivateKey, alg driver.Algorithm, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if alg.IsECDSA() {
			return nil, errors.New("ecdsa algorithm with rsa key")
		}
		if alg.IsPSS() {
			return rsa.SignPSS(rand.Reader, k, alg.Hash(), digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		}
		return rsa.SignPKCS1v15(nil, k, alg.Hash(), digest)
	case *ecdsa.PrivateKey:
		if !alg.IsECDSA() {
			return nil, errors.New("rsa algorithm with ecdsa key")
		}
		return ecdsa.SignASN1(rand.Reader, k, digest)
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

func decrypt(key crypto.PrivateKey, ciphertext []byte) ([]byte, error) {
	k, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decrypt requires an rsa key, got %T", key)
	}
	return rsa.DecryptPKCS1v15(nil, k, ciphertext)
}

// Pause holds submitted requests in their rings; Poll keeps succeeding
// without completing anything until Resume.
func (d *Driver) Pause() { d.paused.Store(true) }

// Resume lets Poll complete queued requests again.
func (d *Driver) Resume() { d.paused.Store(false) }

// SetPollStatus forces every Poll on instance idx to return st.
// StatusSuccess clears the fault.
func (d *Driver) SetPollStatus(idx int, st driver.Status) {
	if idx < 0 || idx >= len(d.instances) {
		return
	}
	in := d.instances[idx]
	in.mu.Lock()
	in.pollSt = st
	in.mu.Unlock()
}

// SetOpStatus makes every completed request report st. StatusSuccess
// restores normal operation.
func (d *Driver) SetOpStatus(st driver.Status) {
	d.opStatus.Store(int32(st))
}

// Queued returns the number of requests waiting on instance idx.
func (d *Driver) Queued(idx int) int {
	if idx < 0 || idx >= len(d.instances) {
		return 0
	}
	in := d.instances[idx]
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// InstancePolls returns how many times instance idx has been polled.
func (d *Driver) InstancePolls(idx int) int64 {
	if idx < 0 || idx >= len(d.instances) {
		return 0
	}
	in := d.instances[idx]
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.polls
}

// Counters returns a snapshot of the call counters.
func (d *Driver) Counters() Counters {
	return Counters{
		UserStarts:     d.userStarts.Load(),
		UserStops:      d.userStops.Load(),
		InstanceStarts: d.instanceStarts.Load(),
		InstanceStops:  d.instanceStops.Load(),
		Submitted:      d.submitted.Load(),
		Completed:      d.completed.Load(),
		Polls:          d.polls.Load(),
	}
}
