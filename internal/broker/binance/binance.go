package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marlin/internal/broker"

	"github.com/adshao/go-binance/v2/futures"
)

// Config controls the futures REST client.
type Config struct {
	APIKey       string
	SecretKey    string
	RESTBaseURL  string
	HTTPTimeout  time.Duration
	ProxyEnabled bool
	ProxyURL     string
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// Broker adapts the go-binance futures SDK to the broker interface.
type Broker struct {
	cfg    Config
	client *futures.Client
}

var _ broker.Broker = (*Broker)(nil)

func New(cfg Config) (*Broker, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Broker{cfg: final, client: client}, nil
}

func (b *Broker) ListOpenPositions(ctx context.Context) ([]broker.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(risks))
	for _, risk := range risks {
		if risk == nil {
			continue
		}
		amt := parseFloat(risk.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		qty := amt
		if amt < 0 {
			side = "short"
			qty = -amt
		}
		out = append(out, broker.Position{
			Symbol:   strings.ToUpper(strings.TrimSpace(risk.Symbol)),
			Quantity: qty,
			Side:     side,
			AvgPrice: parseFloat(risk.EntryPrice),
		})
	}
	return out, nil
}

func (b *Broker) GetLastPrice(ctx context.Context, symbol string) (float64, bool, error) {
	cleanSymbol := cleanSymbol(symbol)
	prices, err := b.client.NewListPricesService().Symbol(cleanSymbol).Do(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		if strings.EqualFold(p.Symbol, cleanSymbol) {
			price := parseFloat(p.Price)
			return price, price > 0, nil
		}
	}
	return 0, false, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("binance broker: quantity must be positive")
	}
	side := futures.SideTypeBuy
	if strings.EqualFold(req.Side, "sell") {
		side = futures.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(cleanSymbol(req.Symbol)).
		Side(side).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if strings.EqualFold(req.Type, "limit") && req.LimitPrice > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return "", err
	}
	// Binance order ids are only unique per symbol; encode both.
	return fmt.Sprintf("%s:%d", cleanSymbol(req.Symbol), res.OrderID), nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	symbol, id, err := splitOrderID(orderID)
	if err != nil {
		return broker.OrderStatusNotFound, err
	}
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return broker.OrderStatusNotFound, err
	}
	switch order.Status {
	case futures.OrderStatusTypeNew:
		return broker.OrderStatusSubmitted, nil
	case futures.OrderStatusTypePartiallyFilled:
		return broker.OrderStatusPartially, nil
	case futures.OrderStatusTypeFilled:
		return broker.OrderStatusFilled, nil
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return broker.OrderStatusCancelled, nil
	case futures.OrderStatusTypeRejected:
		return broker.OrderStatusRejected, nil
	default:
		return broker.OrderStatusNotFound, nil
	}
}

func splitOrderID(orderID string) (string, int64, error) {
	parts := strings.SplitN(strings.TrimSpace(orderID), ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed order id %q", orderID)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	return parts[0], id, nil
}

// Binance requires symbols without separators (e.g. ETHUSDT).
func cleanSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "/", "")
	return strings.ReplaceAll(symbol, "-", "")
}

func parseFloat(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return val
}
