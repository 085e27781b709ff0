package driver

type unavailable struct{}

// Unavailable returns a Driver for hosts without an accelerator. Every call
// reports StatusUnsupported, which Binding surfaces as ErrNotAvailable.
func Unavailable() Driver {
	return unavailable{}
}

func (unavailable) UserStart(string) Status { return StatusUnsupported }
func (unavailable) UserStop() Status        { return StatusUnsupported }

func (unavailable) NumInstances() (uint16, Status) { return 0, StatusUnsupported }

func (unavailable) Instances(uint16) ([]InstanceHandle, Status) { return nil, StatusUnsupported }

func (unavailable) SetAddressTranslation(InstanceHandle) Status { return StatusUnsupported }

func (unavailable) InstanceInfo(InstanceHandle) (InstanceInfo, Status) {
	return InstanceInfo{}, StatusUnsupported
}

func (unavailable) StartInstance(InstanceHandle) Status    { return StatusUnsupported }
func (unavailable) StopInstance(InstanceHandle) Status     { return StatusUnsupported }
func (unavailable) Submit(InstanceHandle, *Request) Status { return StatusUnsupported }
func (unavailable) Poll(InstanceHandle, uint32) Status     { return StatusUnsupported }
