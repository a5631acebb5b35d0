package client

import (
	"fmt"
	"net"
	"time"
)

// Do sends one raw command line and returns the reply text. Each call uses
// a fresh ephemeral socket so concurrent requests never interleave replies.
func (c *Client) Do(command string) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp", c.balancer)
	if err != nil {
		return "", fmt.Errorf("client: resolve balancer %s: %w", c.balancer, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return "", fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", fmt.Errorf("client: send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	buf := make([]byte, 64*1024)
	size, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("client: await reply: %w", err)
	}
	return string(buf[:size]), nil
}
