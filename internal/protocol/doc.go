// Package protocol defines the gateway wire protocol shared by the server and
// the RPC client.
//
// # Frames
//
// Every WebSocket text message is one JSON frame discriminated by "type":
//
//	{"type":"req","id":"1","method":"agent","params":{...}}
//	{"type":"res","id":"1","ok":true,"payload":{...}}
//	{"type":"res","id":"1","ok":false,"error":{"code":"INVALID_REQUEST","message":"..."}}
//	{"type":"event","event":"agent","payload":{...},"seq":7}
//
// # Handshake
//
// The first request on a connection must be "connect". The client offers a
// protocol range [minProtocol, maxProtocol]; the server answers with the
// highest version inside the overlap of both ranges, or rejects the
// connection with "protocol mismatch" and close code 1002.
//
// # Validation
//
// Method params are validated against JSON schemas before any handler runs.
// Validation failures are reported as INVALID_REQUEST errors and never mutate
// gateway state.
package protocol
