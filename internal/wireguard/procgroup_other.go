//go:build !unix

package wireguard

import "os/exec"

func killProcessGroup(*exec.Cmd) {}
