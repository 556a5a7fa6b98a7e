package multistream

import "net"

// Override is a special type a Filter can return as its error to swap in a
// different net.Conn (and/or ALPN protocol) for the rest of the filter
// chain and the eventual MultiStream, without closing the original.
type Override struct {
	Conn     net.Conn
	Protocol string
}

func (o *Override) Error() string {
	return "connection override requested"
}
