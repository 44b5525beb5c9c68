// Package contracts defines the message types that queue payloads decode into.
//
// Publishers wrap each message in an Envelope whose Type names a type
// registered with the serialization package; BaseMessage carries the fields
// every message shares.
package contracts
