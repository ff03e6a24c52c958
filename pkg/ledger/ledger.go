// Package ledger is the on-chain attestation relay boundary. The core only
// depends on the narrow Submit contract; the real relay lives outside this
// repository.
package ledger

import (
	"context"
	"encoding/hex"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// Receipt is the relay's answer to one submission.
type Receipt struct {
	TxHandle string
	Status   types.TxStatus // pending -> confirmed | failed, or simulated
}

// Ledger submits signed attestation payloads.
type Ledger interface {
	Submit(ctx context.Context, signedPayload []byte) (Receipt, error)
}

// Simulated is the stub relay: submissions succeed immediately with a
// deterministic handle and the simulated status. Used in dev mode and tests,
// and whenever no relay endpoint is configured.
type Simulated struct{}

var _ Ledger = (*Simulated)(nil)

// NewSimulated creates the stub relay.
func NewSimulated() *Simulated { return &Simulated{} }

func (s *Simulated) Submit(ctx context.Context, signedPayload []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TxHandle: "sim-" + hex.EncodeToString(gethcrypto.Keccak256(signedPayload))[:16],
		Status:   types.TxSimulated,
	}, nil
}
