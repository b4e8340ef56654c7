package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/energizer-project/querycache/internal/config"
)

// ErrInvalidAddress is returned for server addresses that cannot be queried.
var ErrInvalidAddress = errors.New("network: invalid server address")

// NormalizeAddress returns addr as a lower-case host:port, adding the default
// query port when none is given. The result is used as the cache key.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// Bare host or bare IPv6 literal.
		host = strings.Trim(addr, "[]")
		port = strconv.Itoa(config.DefaultQueryPort)
	}

	normalized := net.JoinHostPort(strings.ToLower(host), port)
	if err := config.ValidateAddress(normalized); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return normalized, nil
}
