package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/sanctuary-net/sanctuary/pkg/keys"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [mnemonic]",
	Short: "Generate or inspect an agent identity",
	Long: `Generate a fresh 12-word mnemonic and print the derived agent address
and public keys, or derive them from a mnemonic passed as the argument.

The mnemonic is the complete secret: anyone holding it can act as the agent
and decrypt every snapshot. It is printed once and never stored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mnemonic string
		if len(args) == 1 {
			mnemonic = args[0]
		} else {
			entropy := make([]byte, 16)
			if _, err := rand.Read(entropy); err != nil {
				return fmt.Errorf("generate entropy: %w", err)
			}
			m, err := bip39.NewMnemonic(entropy)
			if err != nil {
				return fmt.Errorf("generate mnemonic: %w", err)
			}
			mnemonic = m
		}

		kr, err := keys.FromMnemonic(mnemonic)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			fmt.Printf("Mnemonic:     %s\n", mnemonic)
		}
		fmt.Printf("Address:      %s\n", kr.AddressHex())
		fmt.Printf("Recovery key: %s\n", hex.EncodeToString(keys.PubKeyBytes(&kr.Recovery.PublicKey)))
		fmt.Printf("Recall key:   %s\n", hex.EncodeToString(keys.PubKeyBytes(&kr.Recall.PublicKey)))
		return nil
	},
}
