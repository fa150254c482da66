package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// GatewayOffline is the registered name of the offline gateway.
const GatewayOffline = "offline"

// OfflineGateway covers bank transfers and cash on delivery. Charges stay pending until an
// operator or bank notification confirms them; refunds are recorded and settled outside the system.
type OfflineGateway struct {
	newID func() string
}

// NewOfflineGateway constructs the offline gateway. A nil generator uses ULIDs.
func NewOfflineGateway(newID func() string) *OfflineGateway {
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &OfflineGateway{newID: newID}
}

// Name implements Gateway.
func (g *OfflineGateway) Name() string { return GatewayOffline }

// Charge issues a transfer reference and reports the charge as pending.
func (g *OfflineGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.Amount < 0 {
		return ChargeResult{}, fmt.Errorf("%w: charge amount must not be negative", ErrGatewayFailure)
	}
	reference := "off_" + strings.ToLower(g.newID())
	return ChargeResult{
		Status:               StatusPending,
		GatewayTransactionID: reference,
		Raw: map[string]string{
			"method":    string(req.Method),
			"reference": reference,
		},
	}, nil
}

// Refund records the refund for manual settlement. Cash on delivery payments carry no transfer
// reference, so an empty one is accepted.
func (g *OfflineGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if req.Amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrGatewayFailure)
	}
	return RefundResult{
		Success:  true,
		RefundID: "offref_" + strings.ToLower(g.newID()),
		Raw: map[string]string{
			"settlement": "manual",
			"reference":  strings.TrimSpace(req.GatewayTransactionID),
		},
	}, nil
}
