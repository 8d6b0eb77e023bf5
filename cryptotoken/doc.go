// Package cryptotoken presents a uniform signing interface over
// hardware and software security tokens.
//
// A token (Module) exposes Slots, every Slot holds Identities:
// a private key with its public key and optional certificate chain.
// The Service owns one Module per configuration, keeps a snapshot of
// all Identities, and reconnects to the backend on communication failures.
//
// Backends register themselves with Register, by backend type,
// and are selected by ModuleConfig.Type.
package cryptotoken
