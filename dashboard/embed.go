// Package dashboard provides the embedded console page for the push server.
//
// The console subscribes and publishes over the server's WebSocket, which
// makes it handy for watching what a leader tab relays. The embed directive
// includes it at compile time, so the binary ships without external files.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the console.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Console page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
