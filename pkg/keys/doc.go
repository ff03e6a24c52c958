/*
Package keys implements the deterministic key hierarchy and signature
primitives for agent identity.

A BIP-39 mnemonic is the complete secret. From it the package derives three
independent secp256k1 keys (agent, recovery, recall) via HKDF-SHA256 with
per-role info strings, and the 20-byte agent address from the Keccak-256
hash of the agent public point.

Signatures are 65-byte [R || S || V] with public-key recovery, so verifiers
never need the public key out of band: they recover the signer address from
the digest and compare it to the claimed agent. All digests are
domain-separated by a literal ASCII tag.
*/
package keys
