package driver

import "fmt"

// Binding calls a Driver and reports every non-success status as an error.
type Binding struct {
	drv Driver
}

// NewBinding wraps drv.
func NewBinding(drv Driver) *Binding {
	if drv == nil {
		drv = Unavailable()
	}
	return &Binding{drv: drv}
}

// call runs fn and turns a panic inside the driver into a fatal status.
func (b *Binding) call(op string, fn func() Status) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StatusError{Op: op, Status: StatusFatal, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return Check(op, fn())
}

// Start initializes the driver library for this process.
func (b *Binding) Start(processName string) error {
	return b.call("user_start", func() Status { return b.drv.UserStart(processName) })
}

// Stop shuts the driver library down.
func (b *Binding) Stop() error {
	return b.call("user_stop", b.drv.UserStop)
}

// Instances returns every instance the driver exposes.
func (b *Binding) Instances() ([]InstanceHandle, error) {
	var n uint16
	err := b.call("num_instances", func() Status {
		var st Status
		n, st = b.drv.NumInstances()
		return st
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var handles []InstanceHandle
	err = b.call("get_instances", func() Status {
		var st Status
		handles, st = b.drv.Instances(n)
		return st
	})
	if err != nil {
		return nil, err
	}
	if len(handles) != int(n) {
		return nil, &StatusError{
			Op:     "get_instances",
			Status: StatusFail,
			Detail: fmt.Sprintf("driver returned %d instances, expected %d", len(handles), n),
		}
	}
	return handles, nil
}

// SetAddressTranslation registers the memory translation for inst.
func (b *Binding) SetAddressTranslation(inst InstanceHandle) error {
	return b.call("set_address_translation", func() Status { return b.drv.SetAddressTranslation(inst) })
}

// InstanceInfo fetches the metadata for inst.
func (b *Binding) InstanceInfo(inst InstanceHandle) (InstanceInfo, error) {
	var info InstanceInfo
	err := b.call("instance_get_info", func() Status {
		var st Status
		info, st = b.drv.InstanceInfo(inst)
		return st
	})
	return info, err
}

// StartInstance makes inst ready to accept requests.
func (b *Binding) StartInstance(inst InstanceHandle) error {
	return b.call("start_instance", func() Status { return b.drv.StartInstance(inst) })
}

// StopInstance releases inst. The handle must not be used afterwards.
func (b *Binding) StopInstance(inst InstanceHandle) error {
	return b.call("stop_instance", func() Status { return b.drv.StopInstance(inst) })
}

// Submit queues req on inst without waiting for the result.
func (b *Binding) Submit(inst InstanceHandle, req *Request) error {
	return b.call("submit_"+req.Kind.String(), func() Status { return b.drv.Submit(inst, req) })
}

// Poll dispatches ready completions on inst.
func (b *Binding) Poll(inst InstanceHandle, quota uint32) error {
	return b.call("poll_instance", func() Status { return b.drv.Poll(inst, quota) })
}
