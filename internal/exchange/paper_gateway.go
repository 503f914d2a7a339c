package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperGateway fills every order immediately at the requested reference price.
// Paper and candidate bots trade through it.
type PaperGateway struct {
	feeRate float64
	logger  *zap.Logger

	mu     sync.Mutex
	orders map[string]*OrderResult
}

var _ Gateway = (*PaperGateway)(nil)

// NewPaperGateway creates a simulated gateway charging feeRate of the notional per fill.
func NewPaperGateway(feeRate float64, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		feeRate: feeRate,
		logger:  logger.Named("paper"),
		orders:  make(map[string]*OrderResult),
	}
}

// SubmitOrder fills the order at its reference price. Resubmitting a client order id
// returns the original fill.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Qty <= 0 || req.ReferencePrice <= 0 {
		return nil, fmt.Errorf("invalid paper order: qty %f at price %f", req.Qty, req.ReferencePrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[req.ClientOrderID]; ok {
		cp := *existing
		return &cp, nil
	}

	result := &OrderResult{
		OrderID:       "paper-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        OrderFilled,
		FilledQty:     req.Qty,
		AvgPrice:      req.ReferencePrice,
		Fee:           req.Qty * req.ReferencePrice * p.feeRate,
	}
	p.orders[req.ClientOrderID] = result
	p.logger.Debug("Paper fill",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", req.ReferencePrice),
	)
	cp := *result
	return &cp, nil
}

// GetOrder returns a previous paper fill. Fills do not survive a restart.
func (p *PaperGateway) GetOrder(_ context.Context, _ string, clientOrderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[clientOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrOrderNotFound
}
