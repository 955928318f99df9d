//go:build !linux

package wireguard

import "fmt"

// NetlinkLinkExists is only available on Linux.
func NetlinkLinkExists(name string) (bool, error) {
	return false, fmt.Errorf("netlink lookup of %s: unsupported platform", name)
}
