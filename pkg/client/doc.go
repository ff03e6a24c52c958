/*
Package client is the agent-side SDK. It derives the keyring from the
mnemonic and drives the full protocol: register, authenticate, upload
encrypted snapshots, heartbeat, attest, and resurrect.

A complete agent life looks like:

	c, _ := client.New("http://localhost:8420", mnemonic)
	_ = c.Register(ctx, manifestHash, 1, "I am.")
	_ = c.Authenticate(ctx)
	_, _ = c.UploadSnapshot(ctx, map[string][]byte{"soul.md": soul}, manifestHash, nil)

and, in a later process holding only the mnemonic:

	c, _ := client.New("http://localhost:8420", mnemonic)
	_ = c.Authenticate(ctx)
	manifest, _ := c.Resurrect(ctx)
	container, _ := c.FetchSnapshot(ctx, manifest.Snapshots[0].ID)
	soul, _ := container.DecryptFile("soul.md", c.Keyring().Recovery, backup.PathRecovery)
*/
package client
