//go:build linux

package wireguard

import (
	"errors"

	"github.com/vishvananda/netlink"
)

// NetlinkLinkExists looks the link up over netlink.
func NetlinkLinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}
