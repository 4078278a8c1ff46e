package model

import (
	"fmt"
	"strconv"
)

// Device kinds.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Device is the fixed execution context a worker's kernel is bound to.
type Device struct {
	Kind  string `json:"kind" yaml:"kind"`
	Index int    `json:"index" yaml:"index"`
}

// CPU returns the host CPU device.
func CPU() Device {
	return Device{Kind: DeviceCPU}
}

// CUDA returns the accelerator with the given ordinal.
func CUDA(index int) Device {
	return Device{Kind: DeviceCUDA, Index: index}
}

// IsCPU reports whether d is the host CPU.
func (d Device) IsCPU() bool {
	return d.Kind == "" || d.Kind == DeviceCPU
}

// VisibleDevices returns the value for CUDA_VISIBLE_DEVICES that pins a
// process to d. It is empty for the CPU, which hides every accelerator.
func (d Device) VisibleDevices() string {
	if d.IsCPU() {
		return ""
	}
	return strconv.Itoa(d.Index)
}

func (d Device) String() string {
	if d.IsCPU() {
		return DeviceCPU
	}
	return fmt.Sprintf("%s:%d", DeviceCUDA, d.Index)
}
