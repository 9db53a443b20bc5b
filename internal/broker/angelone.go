package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/market"
)

const (
	angelBaseURL = "https://apiconnect.angelone.in"

	pathLogin       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathPlaceOrder  = "/rest/secure/angelbroking/order/v1/placeOrder"
	pathCancelOrder = "/rest/secure/angelbroking/order/v1/cancelOrder"
	pathOrderBook   = "/rest/secure/angelbroking/order/v1/getOrderBook"
	pathPositions   = "/rest/secure/angelbroking/order/v1/getPosition"
	pathQuote       = "/rest/secure/angelbroking/market/v1/quote/"
	pathRMS         = "/rest/secure/angelbroking/user/v1/getRMS"
	pathCandles     = "/rest/secure/angelbroking/historical/v1/getCandleData"
)

// Angel One error codes that mark a transient condition worth retrying.
// AB2001 is the rate limit, AB2003/AB2004 are server-side hiccups.
// AB1000/AB1001 mean the session or key is bad and retrying cannot help.
func angelRetryable(httpStatus int, errorCode string) bool {
	if httpStatus == http.StatusTooManyRequests || httpStatus >= 500 {
		return true
	}
	switch errorCode {
	case "AB2001", "AB2003", "AB2004":
		return true
	}
	return false
}

// AngelOneConfig carries the session and identity headers the SmartAPI
// gateway requires on every call.
type AngelOneConfig struct {
	APIKey       string
	ClientCode   string
	SessionToken string // day-scoped JWT from the morning login
	BaseURL      string
	LocalIP      string
	PublicIP     string
	MACAddress   string
	MinCallGap   time.Duration
	MaxRetries   int
	Timeout      time.Duration
}

// AngelOneClient is the SmartAPI REST adapter. It normalizes the
// gateway's mixed-type responses (numbers as strings, status as string
// booleans) into the canonical broker types.
type AngelOneClient struct {
	cfg     AngelOneConfig
	http    *http.Client
	limiter *IntervalLimiter
	logger  zerolog.Logger

	mu     sync.RWMutex      // guards tokens and the session token
	tokens map[string]string // engine symbol -> exchange instrument token
}

// NewAngelOneClient builds the adapter. Missing config fields fall back
// to production defaults.
func NewAngelOneClient(cfg AngelOneConfig, logger zerolog.Logger) *AngelOneClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = angelBaseURL
	}
	if cfg.MinCallGap <= 0 {
		cfg.MinCallGap = 350 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = "127.0.0.1"
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = "00:00:00:00:00:00"
	}

	return &AngelOneClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: NewIntervalLimiter(cfg.MinCallGap),
		logger:  logger.With().Str("component", "angelone").Logger(),
		tokens:  make(map[string]string),
	}
}

// SetTokenMap installs the symbol-to-instrument-token mapping loaded
// from the exchange scrip master.
func (c *AngelOneClient) SetTokenMap(tokens map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]string, len(tokens))
	for sym, tok := range tokens {
		c.tokens[sym] = tok
	}
}

func (c *AngelOneClient) token(symbol string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[symbol]
	if !ok {
		return "", fmt.Errorf("%w: no instrument token for %s", ErrSymbolNotFound, symbol)
	}
	return tok, nil
}

// session returns the current day-scoped JWT. Login replaces it, so
// every read goes through the lock.
func (c *AngelOneClient) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.SessionToken
}

// tradingSymbol maps the engine's bare symbol to the NSE equity series.
func tradingSymbol(symbol string) string {
	return symbol + "-EQ"
}

// engineSymbol strips the series suffix off a broker trading symbol.
func engineSymbol(ts string) string {
	return strings.TrimSuffix(ts, "-EQ")
}

// envelope is the SmartAPI response wrapper. Status arrives as a bool
// or as the strings "true"/"false" depending on the endpoint.
type envelope struct {
	Status    flexBool        `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// call issues one request with the identity headers, the rate limiter
// gap, and bounded linear-backoff retry on transient failures.
func (c *AngelOneClient) call(ctx context.Context, method, path string, payload interface{}) (*envelope, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		env, retry, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}

		delay := time.Duration(attempt) * 2 * time.Second
		c.logger.Warn().
			Str("path", path).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Broker call failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrBrokerUnhealthy, path, lastErr)
}

func (c *AngelOneClient) doOnce(ctx context.Context, method, path string, body []byte) (*envelope, bool, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, false, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.cfg.LocalIP)
	req.Header.Set("X-ClientPublicIP", c.cfg.PublicIP)
	req.Header.Set("X-MACAddress", c.cfg.MACAddress)
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.session())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, true, err
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		return nil, angelRetryable(resp.StatusCode, ""), fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	if resp.StatusCode != http.StatusOK || !bool(env.Status) {
		err := fmt.Errorf("HTTP %d %s (code %s)", resp.StatusCode, env.Message, env.ErrorCode)
		if env.ErrorCode == "AB1000" || env.ErrorCode == "AB1001" {
			return nil, false, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		if env.ErrorCode == "AB2001" {
			err = fmt.Errorf("%w: %v", ErrThrottled, err)
		}
		return nil, angelRetryable(resp.StatusCode, env.ErrorCode), err
	}
	return &env, false, nil
}

// Login exchanges the client PIN and a fresh TOTP for the day-scoped
// session JWT. Run it once at startup when no session token was
// supplied; every subsequent call reads the token it installs.
func (c *AngelOneClient) Login(ctx context.Context, pin, totpSecret string) error {
	code, err := generateTOTP(totpSecret, time.Now())
	if err != nil {
		return fmt.Errorf("derive login TOTP: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, pathLogin, map[string]string{
		"clientcode": c.cfg.ClientCode,
		"password":   pin,
		"totp":       code,
	})
	if err != nil {
		return err
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("parse login response: %w", err)
	}
	if data.JWTToken == "" {
		return fmt.Errorf("login response carried no session token")
	}

	c.mu.Lock()
	c.cfg.SessionToken = data.JWTToken
	c.mu.Unlock()

	c.logger.Info().Str("client", c.cfg.ClientCode).Msg("Broker session established")
	return nil
}

// PlaceOrder submits a NORMAL-variety market order.
func (c *AngelOneClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	token := req.Token
	if token == "" {
		var err error
		token, err = c.token(req.Symbol)
		if err != nil {
			return "", err
		}
	}

	params := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   tradingSymbol(req.Symbol),
		"symboltoken":     token,
		"transactiontype": string(req.Side),
		"exchange":        "NSE",
		"ordertype":       string(req.OrderType),
		"producttype":     string(req.Product),
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Qty),
	}
	if req.CorrelationID != "" {
		// the gateway echoes ordertag back in the order book, which
		// lets reconciliation tie fills to intents
		params["ordertag"] = req.CorrelationID
	}

	env, err := c.call(ctx, http.MethodPost, pathPlaceOrder, params)
	if err != nil {
		return "", err
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("parse placeOrder response: %w", err)
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("%w: empty order id in response", ErrOrderRejected)
	}
	return data.OrderID, nil
}

// orderBookEntry is the raw SmartAPI order book row. Quantities arrive
// as strings, prices as numbers, so both sides decode through flexFloat.
type orderBookEntry struct {
	OrderID       string    `json:"orderid"`
	TradingSymbol string    `json:"tradingsymbol"`
	Status        string    `json:"status"`
	OrderStatus   string    `json:"orderstatus"`
	Text          string    `json:"text"`
	FilledShares  flexFloat `json:"filledshares"`
	AveragePrice  flexFloat `json:"averageprice"`
}

// GetOrderStatus scans the day's order book for the order.
func (c *AngelOneClient) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	env, err := c.call(ctx, http.MethodGet, pathOrderBook, nil)
	if err != nil {
		return OrderStatus{}, err
	}

	var book []orderBookEntry
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &book); err != nil {
			return OrderStatus{}, fmt.Errorf("parse order book: %w", err)
		}
	}

	for _, row := range book {
		if row.OrderID != orderID {
			continue
		}
		status := row.Status
		if status == "" {
			status = row.OrderStatus
		}
		return OrderStatus{
			OrderID:   row.OrderID,
			Symbol:    engineSymbol(row.TradingSymbol),
			State:     normalizeOrderState(status),
			FilledQty: int(row.FilledShares),
			AvgPrice:  float64(row.AveragePrice),
			Reason:    row.Text,
		}, nil
	}
	return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// CancelOrder cancels a NORMAL-variety order.
func (c *AngelOneClient) CancelOrder(ctx context.Context, orderID string) error {
	params := map[string]string{
		"variety": "NORMAL",
		"orderid": orderID,
	}
	_, err := c.call(ctx, http.MethodPost, pathCancelOrder, params)
	return err
}

// positionEntry is the raw SmartAPI net position row.
type positionEntry struct {
	TradingSymbol string    `json:"tradingsymbol"`
	SymbolToken   string    `json:"symboltoken"`
	NetQty        flexFloat `json:"netqty"`
	AvgNetPrice   flexFloat `json:"avgnetprice"`
	ProductType   string    `json:"producttype"`
}

// GetPositions returns the broker's net position book, zero rows
// included so callers can see freshly flattened symbols.
func (c *AngelOneClient) GetPositions(ctx context.Context) ([]Position, error) {
	env, err := c.call(ctx, http.MethodGet, pathPositions, nil)
	if err != nil {
		return nil, err
	}

	var rows []positionEntry
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("parse positions: %w", err)
		}
	}

	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, Position{
			Symbol:   engineSymbol(row.TradingSymbol),
			Token:    row.SymbolToken,
			NetQty:   int(row.NetQty),
			AvgPrice: float64(row.AvgNetPrice),
			Product:  row.ProductType,
		})
	}
	return out, nil
}

// quoteRequest asks the market data service for LTP-mode quotes.
type quoteRequest struct {
	Mode           string              `json:"mode"`
	ExchangeTokens map[string][]string `json:"exchangeTokens"`
}

type quoteRow struct {
	TradingSymbol string    `json:"tradingSymbol"`
	SymbolToken   string    `json:"symbolToken"`
	LTP           flexFloat `json:"ltp"`
}

// GetBulkLTP fetches last traded prices for up to fifty symbols in one
// call. Symbols without a known instrument token are skipped.
func (c *AngelOneClient) GetBulkLTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	tokens := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		tok, err := c.token(sym)
		if err != nil {
			c.logger.Warn().Str("symbol", sym).Msg("Skipping quote, no instrument token")
			continue
		}
		tokens = append(tokens, tok)
		bySymbol[tok] = sym
	}
	if len(tokens) == 0 {
		return map[string]float64{}, nil
	}

	env, err := c.call(ctx, http.MethodPost, pathQuote, quoteRequest{
		Mode:           "LTP",
		ExchangeTokens: map[string][]string{"NSE": tokens},
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Fetched []quoteRow `json:"fetched"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("parse quotes: %w", err)
	}

	out := make(map[string]float64, len(data.Fetched))
	for _, row := range data.Fetched {
		sym, ok := bySymbol[row.SymbolToken]
		if !ok {
			sym = engineSymbol(row.TradingSymbol)
		}
		out[sym] = float64(row.LTP)
	}
	return out, nil
}

// GetLTP fetches one symbol's last traded price.
func (c *AngelOneClient) GetLTP(ctx context.Context, symbol string) (float64, error) {
	quotes, err := c.GetBulkLTP(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	ltp, ok := quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return ltp, nil
}

// rmsData is the funds/margin snapshot. Every numeric field is a string.
type rmsData struct {
	Net           flexFloat `json:"net"`
	AvailableCash flexFloat `json:"availablecash"`
}

// GetFunds returns the available trading margin.
func (c *AngelOneClient) GetFunds(ctx context.Context) (Funds, error) {
	env, err := c.call(ctx, http.MethodGet, pathRMS, nil)
	if err != nil {
		return Funds{}, err
	}

	var data rmsData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Funds{}, fmt.Errorf("parse RMS: %w", err)
	}
	cash := float64(data.AvailableCash)
	if cash == 0 {
		cash = float64(data.Net)
	}
	return Funds{AvailableCash: cash}, nil
}

// candleIntervals maps the engine's interval names onto the gateway's
// vocabulary, with the bar duration for window sizing.
var candleIntervals = map[string]struct {
	api  string
	step time.Duration
}{
	"1m":  {"ONE_MINUTE", time.Minute},
	"3m":  {"THREE_MINUTE", 3 * time.Minute},
	"5m":  {"FIVE_MINUTE", 5 * time.Minute},
	"10m": {"TEN_MINUTE", 10 * time.Minute},
	"15m": {"FIFTEEN_MINUTE", 15 * time.Minute},
	"30m": {"THIRTY_MINUTE", 30 * time.Minute},
	"1h":  {"ONE_HOUR", time.Hour},
	"1d":  {"ONE_DAY", 24 * time.Hour},
}

// GetRecentCandles fetches the most recent closed bars for a symbol.
// The request window is padded far past count bars because the exchange
// is closed more hours than it is open.
func (c *AngelOneClient) GetRecentCandles(ctx context.Context, symbol, interval string, count int) ([]market.Candle, error) {
	iv, ok := candleIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported candle interval %q", interval)
	}
	token, err := c.token(symbol)
	if err != nil {
		return nil, err
	}

	to := market.Now()
	lookback := time.Duration(count) * iv.step * 6
	if lookback < 96*time.Hour {
		lookback = 96 * time.Hour
	}

	env, err := c.call(ctx, http.MethodPost, pathCandles, map[string]string{
		"exchange":    "NSE",
		"symboltoken": token,
		"interval":    iv.api,
		"fromdate":    to.Add(-lookback).Format("2006-01-02 15:04"),
		"todate":      to.Format("2006-01-02 15:04"),
	})
	if err != nil {
		return nil, err
	}

	// rows arrive as [timestamp, open, high, low, close, volume] arrays
	var rows [][]interface{}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("parse candles: %w", err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, ok := row[0].(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		candles = append(candles, market.Candle{
			Time:   t,
			Open:   asFloat(row[1]),
			High:   asFloat(row[2]),
			Low:    asFloat(row[3]),
			Close:  asFloat(row[4]),
			Volume: asFloat(row[5]),
		})
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// asFloat pulls a number out of a mixed-type candle row.
func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

// normalizeOrderState folds the gateway's status vocabulary into the
// canonical lifecycle states.
func normalizeOrderState(raw string) OrderState {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "complete" || s == "filled" || strings.Contains(s, "traded"):
		return OrderComplete
	case strings.Contains(s, "reject"):
		return OrderRejected
	case strings.Contains(s, "cancel"):
		return OrderCancelled
	case s == "open" || s == "modified" || strings.Contains(s, "pending") || strings.Contains(s, "received"):
		return OrderOpen
	default:
		return OrderUnknown
	}
}

// flexFloat decodes a JSON number that may arrive as a number, a quoted
// number, an empty string or null. The SmartAPI gateway uses all four.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flexFloat %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexBool decodes a JSON bool that may arrive as a bool or as the
// strings "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.ToLower(strings.Trim(string(b), `"`))
	*f = flexBool(s == "true")
	return nil
}
