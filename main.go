// HomieProxy is a multi-tenant HTTP and WebSocket reverse proxy with
// per-instance authentication and network policy.
package main

import "github.com/homieproxy/homieproxy/internal/cmd"

func main() {
	cmd.Main()
}
