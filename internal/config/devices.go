package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/antchoi/Polymer/internal/model"
)

// ErrInvalidDevice is returned for a device list entry that is not "cpu", an
// accelerator ordinal or an inclusive ordinal range.
var ErrInvalidDevice = errors.New("invalid device")

// ParseDevices parses a comma-separated device list such as "cpu", "0,1",
// "0-3" or "cuda:0,gpu:1". Duplicates are dropped, keeping the first
// occurrence. An empty list means the CPU.
func ParseDevices(s string) ([]model.Device, error) {
	var (
		devices []model.Device
		seen    = make(map[model.Device]bool)
	)
	add := func(d model.Device) {
		if !seen[d] {
			seen[d] = true
			devices = append(devices, d)
		}
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == model.DeviceCPU {
			add(model.CPU())
			continue
		}

		id := strings.TrimPrefix(strings.TrimPrefix(part, "cuda:"), "gpu:")
		if lo, hi, ok := strings.Cut(id, "-"); ok {
			from, err1 := parseOrdinal(lo)
			to, err2 := parseOrdinal(hi)
			if err1 != nil || err2 != nil || from > to {
				return nil, fmt.Errorf("%w: %q", ErrInvalidDevice, part)
			}
			for i := from; i <= to; i++ {
				add(model.CUDA(i))
			}
			continue
		}

		i, err := parseOrdinal(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDevice, part)
		}
		add(model.CUDA(i))
	}

	if len(devices) == 0 {
		return []model.Device{model.CPU()}, nil
	}
	return devices, nil
}

func parseOrdinal(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative ordinal %d", n)
	}
	return n, nil
}

func formatDevices(devices []model.Device) string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.String()
	}
	return strings.Join(names, ",")
}
