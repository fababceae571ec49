// Package websocket is a server-side implementation of the WebSocket
// protocol (RFC 6455, version 13) for a single-threaded, select-driven
// event loop.
//
// It focuses on strict protocol validation: masked client frames,
// reserved bits and opcodes, control-frame rules, fragmentation
// interleaving, UTF-8 text payloads, and orderly closing handshakes.
//
// A [Server] accepts connections and registers each resulting [Conn]
// with a reactor; the reactor drives all frame I/O by invoking the
// connections' readiness callbacks. User behavior is injected through
// [Hooks] rather than subclassing.
//
// Note: WebSocket [extensions] requiring RSV bits (such as
// permessage-deflate) and [subprotocols] are not supported; a hook may
// widen the accepted RSV mask for negotiated extensions.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [subprotocols]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket
