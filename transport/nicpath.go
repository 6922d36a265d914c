package transport

import (
	"fmt"
	"strings"
)

// MakeNicPath builds the addressing string for a device on a host.
func MakeNicPath(host, device string) string {
	return host + "@" + device
}

// ParseNicPath splits a NIC path into its host and device parts.
func ParseNicPath(path string) (host, device string, err error) {
	idx := strings.LastIndex(path, "@")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("transport: malformed NIC path %q", path)
	}
	return path[:idx], path[idx+1:], nil
}
