// Package security provides the cryptographic primitives shared by the
// mcp-authkit stores and handlers: AES-256-GCM encryption at rest, keyed
// digests for deriving non-reversible lookup keys, and per-identifier rate
// limiting for the registration endpoint.
package security
