package transport

import "net"

// listen opens the TCP listener an HTTP transport serves on. Factored out
// so tests can substitute addr "localhost:0" and read back the assigned
// port.
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
