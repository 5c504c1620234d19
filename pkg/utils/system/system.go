package system

import (
	"fmt"
	"net"
)

// GetFreePort asks the kernel for an unused TCP port.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a free port: %w", err)
	}
	defer l.Close()

	addr := l.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
