// SPDX-License-Identifier: MIT

package shades

import "fmt"

// CommandFrame encodes a single-shade command for the firmware: the action
// token followed by the decimal shade id ("u14", "d3", "s28").
func CommandFrame(shadeID int, action Action) []byte {
	return []byte(fmt.Sprintf("%c%d", action.Token(), shadeID))
}

// GroupFrame encodes a group-level command ("scene:living_room,u"). The
// firmware repeats the transmission across every shade in the group.
func GroupFrame(group string, action Action) []byte {
	return []byte(fmt.Sprintf("scene:%s,%c", group, action.Token()))
}
