package port

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPortAvailable_FreePort(t *testing.T) {
	s := NewScanner()
	port, err := s.FindAvailablePort(50000, 50100, "tcp")
	require.NoError(t, err)
	assert.True(t, s.IsPortAvailable(port, "tcp"))
}

func TestIsPortAvailable_UsedPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	port := l.Addr().(*net.TCPAddr).Port
	assert.False(t, NewScanner().IsPortAvailable(port, "tcp"))
}

func TestIsPortAvailable_UDP(t *testing.T) {
	c, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	port := c.LocalAddr().(*net.UDPAddr).Port
	assert.False(t, NewScanner().IsPortAvailable(port, "udp"))
}

func TestIsPortAvailable_UnknownProtocol(t *testing.T) {
	assert.False(t, NewScanner().IsPortAvailable(50000, "sctp"))
}

func TestFindAvailablePort_SkipsBound(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	port := l.Addr().(*net.TCPAddr).Port

	_, err = NewScanner().FindAvailablePort(port, port, "tcp")
	assert.Error(t, err)
}
