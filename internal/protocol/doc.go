// Package protocol contains definitions and functions
// related to the routing handshake of feedmux.
// It contains, notably, the derivation of routing identifiers
// from feed public keys, and the reading and writing of the
// fixed-length handshake that opens every connection.
//
// Identifiers are not secret: they tell a dispatcher which feed
// a connection wants to replicate, and nothing more.
package protocol
