// Package network provides the actual logic of routing connections to feeds
//
// As opposed to protocol, which contains definitions related
// to the handshake itself, this package actually deals with
// the tcp connections. A Server reads the handshake of every
// connection, finds the matching feed in its Registry, and
// bridges the socket to that feed's replication stream. A Client
// does the mirror image for the feeds it owns.
package network
