// Package client is the Go SDK for talking to the cluster through the load
// balancer. One request is one UDP datagram carrying the textual command;
// the reply is the three-line status frame produced by the node that
// handled it.
package client

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds the wait for a reply datagram.
const DefaultTimeout = 5 * time.Second

// Client sends commands to the balancer from an ephemeral UDP socket.
type Client struct {
	balancer string
	timeout  time.Duration
}

// New creates a Client pointed at the balancer's "ip:port".
func New(balancer string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{balancer: balancer, timeout: timeout}
}

// Ping checks liveness.
func (c *Client) Ping() (string, error) {
	return c.Do("PING")
}

// Get fetches a key.
func (c *Client) Get(key string) (string, error) {
	return c.Do(fmt.Sprintf("GET %s", key))
}

// Set stores value under key. The command grammar is whitespace-delimited,
// so the value must not contain whitespace.
func (c *Client) Set(key, value string) (string, error) {
	if strings.ContainsAny(value, " \t\n") {
		return "", fmt.Errorf("client: value must not contain whitespace")
	}
	return c.Do(fmt.Sprintf("SET %s %s", key, value))
}

// Del deletes a key.
func (c *Client) Del(key string) (string, error) {
	return c.Do(fmt.Sprintf("DEL %s", key))
}
