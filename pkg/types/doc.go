// Package types defines the shared data model for the task broker: runners,
// tasks, offers, result envelopes and the WebSocket wire protocol between the
// broker and its runners.
package types
