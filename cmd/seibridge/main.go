// Package main provides seibridge, which connects an assistant's tool calls
// to the SEI portal through the browser extension, a server-side browser or
// the portal's HTTP gateway.
package main

import "os"

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
