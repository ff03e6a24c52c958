/*
Package backup implements the encrypted snapshot container: a single
self-describing byte stream holding a signed JSON header and any number of
independently encrypted files.

Framing (all integers little-endian uint32):

	[headerLen][headerJSON][fileCount]
	repeat fileCount times:
	  [nameLen][name][dataLen][encryptedFile]

where encryptedFile is [nonce][ciphertext||tag] under AES-256-GCM.

Keying: each snapshot gets a fresh 256-bit DEK, wrapped independently to the
recovery and recall public keys with geth's ECIES. Each file is sealed under
HKDF(DEK, salt=fileName) with AAD binding (tag, backup id, timestamp, agent,
manifest hash, file name), so a ciphertext substituted from any other
snapshot or agent fails authentication, and any single file can be decrypted
without reading the rest.

The header is signed by the agent secret over a canonical domain-separated
preimage; snapshot_meta is excluded from that preimage for compatibility
with clients that attach it after signing.
*/
package backup
