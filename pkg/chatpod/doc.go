// Package chatpod is the client-side engine of a realtime voice assistant.
//
// The engine captures microphone audio, gates it on voice activity,
// Opus-encodes it and streams it to a backend over a websocket or an
// MQTT+UDP transport. Inbound audio is reordered, decoded and played back.
// A single session loop owns the conversation state (idle, activating,
// connecting, listening, speaking, error) and coordinates the pipeline,
// the transport, the activation handshake and tool call dispatch.
//
// The moving parts compose around small interfaces: Connector/Conn for
// the transport, Mic/Speaker/Echo for audio devices, and Classifier for
// voice activity. An in-process pipe transport (NewPipe) connects the
// engine to a scripted backend for tests and examples.
package chatpod
