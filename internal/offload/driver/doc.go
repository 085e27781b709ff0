// Package driver is the boundary to the cryptographic accelerator's
// user-space driver.
//
// The Driver interface mirrors the driver's C ABI one call per method and
// reports every outcome as a Status code. Binding wraps a Driver, turns
// non-success codes into *StatusError values and never lets a driver panic
// escape into the caller. No offload logic lives here.
package driver
