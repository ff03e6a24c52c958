package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// HTTP submits attestation payloads to an external relay over HTTP. The
// relay answers with a transaction handle and an initial status.
type HTTP struct {
	endpoint string
	client   *http.Client
}

var _ Ledger = (*HTTP)(nil)

// NewHTTP creates the relay client.
func NewHTTP(endpoint string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Submit(ctx context.Context, signedPayload []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(signedPayload))
	if err != nil {
		return Receipt{}, errdefs.Wrap(errdefs.ErrInternal, "ledger: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Receipt{}, errdefs.Wrap(errdefs.ErrUnavailable, "ledger: relay: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Receipt{}, errdefs.Wrap(errdefs.ErrUnavailable, "ledger: relay returned %d", resp.StatusCode)
	}

	var body struct {
		TxHandle string `json:"tx_handle"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Receipt{}, errdefs.Wrap(errdefs.ErrUnavailable, "ledger: decode relay response: %v", err)
	}

	status := types.TxStatus(body.Status)
	switch status {
	case types.TxPending, types.TxConfirmed, types.TxFailed:
	default:
		status = types.TxPending
	}
	return Receipt{TxHandle: body.TxHandle, Status: status}, nil
}
