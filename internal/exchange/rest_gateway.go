package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"capital-autopilot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRetries = 3

// RestGateway is a client for the execution service that fronts the exchanges.
// It implements PriceOracle and Gateway.
type RestGateway struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

var (
	_ PriceOracle = (*RestGateway)(nil)
	_ Gateway     = (*RestGateway)(nil)
)

// NewRestGateway creates a gateway client. Prices need no credentials; orders are
// signed with the key set by WithCredentials.
func NewRestGateway(cfg config.Gateway, logger *zap.Logger) *RestGateway {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestGateway{
		client:  client,
		logger:  logger.Named("gateway"),
		limiter: limiter,
	}
}

// WithCredentials returns a gateway that signs orders for one user's account.
// The transport and rate limiter are shared.
func (g *RestGateway) WithCredentials(apiKey, secretKey string) *RestGateway {
	cp := *g
	cp.apiKey = apiKey
	cp.secretKey = secretKey
	return &cp
}

// sign creates a HMAC-SHA256 signature for the request.
func (g *RestGateway) sign(data string) string {
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *RestGateway) signed(req *resty.Request, method, path, body string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return req.
		SetHeader("X-API-KEY", g.apiKey).
		SetHeader("X-TIMESTAMP", ts).
		SetHeader("X-SIGNATURE", g.sign(ts+method+path+body))
}

// doRequest executes a request with rate limiting. Idempotent requests are retried
// with backoff on throttling, server and network errors; order submissions are sent once.
func (g *RestGateway) doRequest(ctx context.Context, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	attempts := 1
	if idempotent {
		attempts = maxRetries
	}

	for i := 0; i < attempts; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		g.logger.Debug("Executing request", zap.String("method", method), zap.String("url", g.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry || i == attempts-1 {
				return resp, &StatusError{Code: statusCode, Body: resp.String()}
			}
		} else if i == attempts-1 || ctx.Err() != nil {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		g.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, err)
}

// StatusError is a non-2xx response from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

type priceResponse struct {
	Price     string `json:"price"`
	Fallback  bool   `json:"fallback"`
	Timestamp int64  `json:"timestamp"`
}

// Quote fetches the latest price of a pair on an exchange.
func (g *RestGateway) Quote(ctx context.Context, exchange, pair string) (Quote, error) {
	req := g.client.R().
		SetQueryParams(map[string]string{"exchange": exchange, "pair": pair}).
		SetResult(&priceResponse{})

	resp, err := g.doRequest(ctx, http.MethodGet, "/v1/prices", req, true)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to get price for %s on %s: %w", pair, exchange, err)
	}

	result := resp.Result().(*priceResponse)
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("invalid price %q for %s: %w", result.Price, pair, err)
	}
	return Quote{
		Exchange:  exchange,
		Pair:      pair,
		Price:     price,
		Fallback:  result.Fallback,
		Timestamp: time.UnixMilli(result.Timestamp).UTC(),
	}, nil
}

type orderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executed_qty"`
	AvgPrice      string `json:"avg_price"`
	Fee           string `json:"fee"`
}

func (r *orderResponse) toResult() (*OrderResult, error) {
	res := &OrderResult{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Status:        OrderStatus(strings.ToLower(r.Status)),
	}
	var err error
	if res.FilledQty, err = parseDecimalString(r.ExecutedQty); err != nil {
		return nil, fmt.Errorf("invalid executed_qty: %w", err)
	}
	if res.AvgPrice, err = parseDecimalString(r.AvgPrice); err != nil {
		return nil, fmt.Errorf("invalid avg_price: %w", err)
	}
	if res.Fee, err = parseDecimalString(r.Fee); err != nil {
		return nil, fmt.Errorf("invalid fee: %w", err)
	}
	return res, nil
}

func parseDecimalString(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// SubmitOrder places a market order. It is sent once: a failed or timed-out submission
// is resolved later through GetOrder with the same client order id.
func (g *RestGateway) SubmitOrder(ctx context.Context, o OrderRequest) (*OrderResult, error) {
	body, err := json.Marshal(map[string]string{
		"client_order_id": o.ClientOrderID,
		"exchange":        o.Exchange,
		"pair":            o.Pair,
		"side":            string(o.Side),
		"type":            "MARKET",
		"qty":             strconv.FormatFloat(o.Qty, 'f', -1, 64),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	const path = "/v1/orders"
	req := g.signed(g.client.R(), http.MethodPost, path, string(body)).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&orderResponse{})

	resp, err := g.doRequest(ctx, http.MethodPost, path, req, false)
	if err != nil {
		g.logger.Error("Failed to submit order",
			zap.Error(err),
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("pair", o.Pair),
		)
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	result, err := resp.Result().(*orderResponse).toResult()
	if err != nil {
		return nil, err
	}
	g.logger.Info("Order submitted",
		zap.String("client_order_id", result.ClientOrderID),
		zap.String("status", string(result.Status)),
		zap.Float64("avg_price", result.AvgPrice),
	)
	return result, nil
}

// GetOrder looks an order up by client order id.
func (g *RestGateway) GetOrder(ctx context.Context, exchange, clientOrderID string) (*OrderResult, error) {
	path := "/v1/orders/" + clientOrderID
	req := g.signed(g.client.R(), http.MethodGet, path, "").
		SetQueryParam("exchange", exchange).
		SetResult(&orderResponse{})

	resp, err := g.doRequest(ctx, http.MethodGet, path, req, true)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", clientOrderID, err)
	}
	return resp.Result().(*orderResponse).toResult()
}
