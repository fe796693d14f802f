// Package intercom provides a persistent websocket client for a smart
// intercom device.
//
// A Client keeps one authenticated session with one device, carrying JSON
// control messages and raw PCM audio frames on the same connection. Lost
// sessions are re-established in the background with exponential backoff
// until Disconnect is called.
package intercom
