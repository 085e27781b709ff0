package driver

import "fmt"

// InstanceHandle is the driver's opaque reference to one accelerator
// instance. Zero is never a valid handle.
type InstanceHandle uintptr

// InstanceInfo is the metadata the driver reports for an instance.
type InstanceInfo struct {
	ID           int    `json:"id"`
	PartName     string `json:"part_name"`
	NUMANode     int    `json:"numa_node"`
	Polled       bool   `json:"polled"`
	Accelerators int    `json:"accelerators"`
}

// OpKind is the kind of private-key operation.
type OpKind int

const (
	OpSign OpKind = iota + 1
	OpDecrypt
)

func (k OpKind) String() string {
	switch k {
	case OpSign:
		return "sign"
	case OpDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// CompletionFunc receives the outcome of a submitted request. The driver
// calls it from inside Poll on the polling goroutine, exactly once.
type CompletionFunc func(status Status, output []byte)

// Request is one asynchronous private-key operation. Key holds the private
// key as PKCS#8 DER. Input is the digest for OpSign and the ciphertext for
// OpDecrypt.
type Request struct {
	Kind      OpKind
	Algorithm Algorithm
	Key       []byte
	Input     []byte
	MaxOutput int
	Done      CompletionFunc
}

// Driver is the accelerator's user-space API.
type Driver interface {
	UserStart(processName string) Status
	UserStop() Status
	NumInstances() (uint16, Status)
	Instances(n uint16) ([]InstanceHandle, Status)
	SetAddressTranslation(inst InstanceHandle) Status
	InstanceInfo(inst InstanceHandle) (InstanceInfo, Status)
	StartInstance(inst InstanceHandle) Status
	StopInstance(inst InstanceHandle) Status
	Submit(inst InstanceHandle, req *Request) Status
	// Poll dispatches up to quota completions on inst. A quota of zero
	// dispatches everything that is ready.
	Poll(inst InstanceHandle, quota uint32) Status
}
