// Package sse is a library for serving Server-Sent Events streams.
//
// This library models every open event stream as a Session bound to a single
// transport Connection. A session handles the SSE handshake, keep-alive
// messages, the client reconnect hint and the Last-Event-ID resume point.
// Event data are marshaled to JSON unless a custom serializer is configured.
//
// Sessions can be grouped into Channels for broadcasting identical events to
// many clients, and a History records channel broadcasts so that reconnecting
// clients can be resynced with the events they missed.
//
// Typical usage of this package is:
//   - Create channels with NewChannel and, if resync is required, a History
//     that the channels are registered with.
//   - In the HTTP handler wrap the request into a Connection (see the
//     httpconn package) and create a session with NewSession.
//   - Wait for the session to connect, register it with channels and call
//     History.ReplaySince to deliver missed events.
//   - Publish events with Channel.Broadcast or Session.Push.
//   - Block the handler until the session is done.
package sse
