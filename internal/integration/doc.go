// Package integration drives the assembled engine end to end over HTTP and
// WebSocket.
package integration
