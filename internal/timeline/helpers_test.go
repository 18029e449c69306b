package timeline

import "net"

// pickFreeAddr reserves a free TCP port by opening and immediately
// closing a listener, returning its address for a subsequent real
// listener to reuse.
func pickFreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr, nil
}

func canDial(addr string) bool {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
