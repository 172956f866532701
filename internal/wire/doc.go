// Package wire defines the transport contract between the engine and the
// external messaging network.
//
// # Overview
//
// A Driver opens Clients; a Client is one live session that sends Payloads
// and streams Events. Drivers register themselves by name in an init
// function, mirroring database/sql, so the engine selects one through
// configuration without importing it directly.
//
// # Payloads and Events
//
// Payload is a closed union: TextPayload, ListPayload, ButtonsPayload and
// MediaPayload. Event mirrors it on the receiving side: MessageReceived,
// MessageStatus, ContactsSeen, QRIssued and StateChanged.
//
// # Markers
//
// Engine-generated text goes out prefixed with a zero-width marker
// (MarkerSelf for conversation output, MarkerSystem for system notices).
// The network echoes sent messages back; the inbound pipeline drops
// anything carrying a marker so the engine never reacts to itself.
//
// # Loopback
//
// The loopback driver keeps everything in-process: Connect reports
// connected immediately, Send records payloads, and Inject feeds arbitrary
// events to the consumer. Tests and local development run entirely on it.
package wire
