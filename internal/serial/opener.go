// SPDX-License-Identifier: MIT

package serial

import (
	"time"

	bugst "go.bug.st/serial"
)

// DefaultBaudRate matches the transmitter firmware.
const DefaultBaudRate = 115200

type bugstPort struct {
	bugst.Port
}

func (p bugstPort) SetReadTimeout(d time.Duration) error {
	return p.Port.SetReadTimeout(d)
}

// DefaultOpener opens real devices at the given baud rate. The firmware
// resets on open, so the opener waits for it to come back up before the
// caller probes.
func DefaultOpener(baud int) Opener {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return func(device string) (Port, error) {
		port, err := bugst.Open(device, &bugst.Mode{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		time.Sleep(2 * time.Second)
		return bugstPort{port}, nil
	}
}
