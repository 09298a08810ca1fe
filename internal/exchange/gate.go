package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

const (
	gateBaseURL = "https://api.gateio.ws"
	gateWSURL   = "wss://api.gateio.ws/ws/v4/"

	gateBookDepth    = "20"
	gateBookInterval = "100ms"

	gateChannelOrders   = "spot.orders"
	gateChannelBalances = "spot.balances"
)

// Gate - клиент спотового рынка Gate.io v4.
// Публичный, приватный и торговый каналы обслуживаются одним адресом;
// приватные подписки подписываются каждая отдельно, торговый канал проходит spot.login.
type Gate struct {
	*venueBase
}

// NewGate создаёт клиент; соединения открываются в Connect и Subscribe*
func NewGate(cfg VenueConfig, log *utils.Logger) *Gate {
	if cfg.PublicURL == "" {
		cfg.PublicURL = gateWSURL
	}
	if cfg.PrivateURL == "" {
		cfg.PrivateURL = gateWSURL
	}
	if cfg.TradeURL == "" {
		cfg.TradeURL = gateWSURL
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = gateBaseURL
	}
	cfg.WS.PingMessage = func() interface{} {
		return map[string]interface{}{"time": time.Now().Unix(), "channel": "spot.ping"}
	}

	return &Gate{venueBase: newVenueBase("gate", cfg, cfg.RESTURL, log)}
}

// ============ Символы ============

// gatePair: BTCUSDT -> BTC_USDT
func gatePair(symbol string) string {
	base := utils.ExtractBaseCurrency(symbol)
	quote := utils.ExtractQuoteCurrency(symbol)
	if base == "" || quote == "" {
		return symbol
	}
	return base + "_" + quote
}

// gateSymbol: BTC_USDT -> BTCUSDT
func gateSymbol(pair string) string {
	return strings.ReplaceAll(pair, "_", "")
}

func gatePairs(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, gatePair(s))
	}
	return out
}

// ============ Подпись ============

func (g *Gate) hmacHex(payload string) string {
	h := hmac.New(sha512.New, []byte(g.cfg.APISecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// signREST: SIGN = HMAC_SHA512(method\npath\nquery\nhex(sha512(body))\ntimestamp)
func (g *Gate) signREST(req *http.Request, query string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	bodyHash := sha512.Sum512(body)
	payload := strings.Join([]string{req.Method, req.URL.Path, query, hex.EncodeToString(bodyHash[:]), ts}, "\n")

	req.Header.Set("KEY", g.cfg.APIKey)
	req.Header.Set("Timestamp", ts)
	req.Header.Set("SIGN", g.hmacHex(payload))
}

// signedSubscribe - подписка на приватный канал с подписью api_key
func (g *Gate) signedSubscribe(channel string) map[string]interface{} {
	ts := time.Now().Unix()
	return map[string]interface{}{
		"time":    ts,
		"channel": channel,
		"event":   "subscribe",
		"payload": []string{"!all"},
		"auth": map[string]string{
			"method": "api_key",
			"KEY":    g.cfg.APIKey,
			"SIGN":   g.hmacHex(fmt.Sprintf("channel=%s&event=subscribe&time=%d", channel, ts)),
		},
	}
}

// ============ Сообщения ============

type gateMessage struct {
	Time    int64      `json:"time"`
	Channel string     `json:"channel"`
	Event   string     `json:"event"`
	Error   *gateError `json:"error"`
	Result  rawMessage `json:"result"`
}

type gateError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type gateBookTicker struct {
	T    int64  `json:"t"`
	Pair string `json:"s"`
	Bid  string `json:"b"`
	Ask  string `json:"a"`
}

type gateOrderBook struct {
	T    int64      `json:"t"`
	Pair string     `json:"s"`
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type gateOrderData struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	CurrencyPair string `json:"currency_pair"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Left         string `json:"left"`
	AvgDealPrice string `json:"avg_deal_price"`
	Event        string `json:"event"`
	FinishAs     string `json:"finish_as"`
	UpdateTimeMs string `json:"update_time_ms"`
}

type gateBalanceData struct {
	Currency    string `json:"currency"`
	Total       string `json:"total"`
	Available   string `json:"available"`
	TimestampMs string `json:"timestamp_ms"`
}

// subscribeAck разбирает ответ на subscribe: ошибка или result.status
func (m *gateMessage) subscribeAck() authAck {
	if m.Error != nil {
		return authAck{Message: fmt.Sprintf("%d: %s", m.Error.Code, m.Error.Message)}
	}
	var res struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(m.Result, &res)
	return authAck{OK: res.Status == "success", Message: res.Status}
}

// ============ Публичные потоки ============

func (g *Gate) SubscribeToTickers(ctx context.Context, symbols []string, onUpdate func(Ticker)) error {
	stream := chunkedStream{
		venue:   g.name,
		url:     g.cfg.PublicURL,
		key:     "spot.book_ticker",
		perConn: g.cfg.SymbolsPerConnection,
		cfg:     g.cfg.WS,
		log:     g.log,
		onMessage: func(data []byte) {
			g.handlePublic(data, onUpdate, nil)
		},
		subscribe: func(chunk []string) SubscribeFunc {
			pairs := gatePairs(chunk)
			return func(ctx context.Context, c *WSConn) error {
				return c.Send(map[string]interface{}{
					"time":    time.Now().Unix(),
					"channel": "spot.book_ticker",
					"event":   "subscribe",
					"payload": pairs,
				})
			}
		},
	}
	return stream.open(ctx, g.conns, symbols)
}

func (g *Gate) SubscribeToOrderBook(ctx context.Context, symbols []string, onUpdate func(OrderBook)) error {
	stream := chunkedStream{
		venue:   g.name,
		url:     g.cfg.PublicURL,
		key:     "spot.order_book",
		perConn: g.cfg.SymbolsPerConnection,
		cfg:     g.cfg.WS,
		log:     g.log,
		onMessage: func(data []byte) {
			g.handlePublic(data, nil, onUpdate)
		},
		subscribe: func(chunk []string) SubscribeFunc {
			pairs := gatePairs(chunk)
			// order_book принимает один символ на подписку
			return func(ctx context.Context, c *WSConn) error {
				for _, pair := range pairs {
					err := c.Send(map[string]interface{}{
						"time":    time.Now().Unix(),
						"channel": "spot.order_book",
						"event":   "subscribe",
						"payload": []string{pair, gateBookDepth, gateBookInterval},
					})
					if err != nil {
						return err
					}
				}
				return nil
			}
		},
	}
	return stream.open(ctx, g.conns, symbols)
}

func (g *Gate) handlePublic(data []byte, onTicker func(Ticker), onBook func(OrderBook)) {
	var msg gateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.log.Warn("bad public message", utils.Err(err))
		return
	}

	switch msg.Event {
	case "subscribe":
		if msg.Error != nil {
			g.log.Warn("subscribe rejected",
				utils.Channel(msg.Channel),
				utils.String("reason", msg.Error.Message))
		}
		return
	case "update", "all":
	default:
		return
	}

	switch {
	case msg.Channel == "spot.book_ticker" && onTicker != nil:
		var t gateBookTicker
		if err := json.Unmarshal(msg.Result, &t); err != nil {
			g.log.Warn("bad book_ticker payload", utils.Err(err))
			return
		}
		onTicker(Ticker{
			Venue:     g.name,
			Symbol:    gateSymbol(t.Pair),
			BidPrice:  parseFloat(t.Bid),
			AskPrice:  parseFloat(t.Ask),
			Timestamp: msToTime(t.T),
		})

	case msg.Channel == "spot.order_book" && onBook != nil:
		var b gateOrderBook
		if err := json.Unmarshal(msg.Result, &b); err != nil {
			g.log.Warn("bad order_book payload", utils.Err(err))
			return
		}
		// каждое обновление - полный снимок заданной глубины
		onBook(OrderBook{
			Venue:     g.name,
			Symbol:    gateSymbol(b.Pair),
			Bids:      parseLevels(b.Bids),
			Asks:      parseLevels(b.Asks),
			Timestamp: msToTime(b.T),
		})
	}
}

// ============ Приватный и торговый каналы ============

// Connect открывает приватный канал (spot.orders, spot.balances) и торговый канал.
// Подписка на каждый приватный канал подтверждается отдельно.
func (g *Gate) Connect(ctx context.Context) error {
	g.private = g.newChannel(models.ChannelPrivate, g.cfg.PrivateURL, g.handlePrivate,
		gateChannelOrders, gateChannelBalances)
	g.private.SetAuth(func(ctx context.Context, c *WSConn) error {
		for _, channel := range []string{gateChannelOrders, gateChannelBalances} {
			if err := g.awaitAuth(ctx, c, channel, g.signedSubscribe(channel)); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.private.Connect(ctx); err != nil {
		return fmt.Errorf("gate private channel: %w", err)
	}

	g.trade = g.newChannel(models.ChannelTrade, g.cfg.TradeURL, g.handleTrade, string(models.ChannelTrade))
	g.trade.SetAuth(g.login)
	if err := g.trade.Connect(ctx); err != nil {
		return fmt.Errorf("gate trade channel: %w", err)
	}
	return nil
}

// login - spot.login, signature = HMAC_SHA512("api\nspot.login\n\n" + ts)
func (g *Gate) login(ctx context.Context, c *WSConn) error {
	ts := time.Now().Unix()
	msg := map[string]interface{}{
		"time":    ts,
		"channel": "spot.login",
		"event":   "api",
		"payload": map[string]interface{}{
			"req_id":    "login-" + NewCorrelationID(),
			"api_key":   g.cfg.APIKey,
			"signature": g.hmacHex(fmt.Sprintf("api\nspot.login\n\n%d", ts)),
			"timestamp": strconv.FormatInt(ts, 10),
		},
	}
	return g.awaitAuth(ctx, c, string(models.ChannelTrade), msg)
}

func (g *Gate) handlePrivate(data []byte) {
	local := time.Now()

	var msg gateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.log.Warn("bad private message", utils.Err(err))
		return
	}

	if msg.Event == "subscribe" {
		g.authAcks.resolve(msg.Channel, msg.subscribeAck())
		return
	}
	if msg.Event != "update" {
		return
	}

	switch msg.Channel {
	case gateChannelOrders:
		var orders []gateOrderData
		if err := json.Unmarshal(msg.Result, &orders); err != nil {
			g.log.Warn("bad orders payload", utils.Err(err))
			return
		}
		for _, o := range orders {
			amount, left := parseFloat(o.Amount), parseFloat(o.Left)
			updated, _ := strconv.ParseInt(o.UpdateTimeMs, 10, 64)
			g.emitOrder(OrderUpdate{
				Venue:         g.name,
				Symbol:        gateSymbol(o.CurrencyPair),
				OrderID:       o.ID,
				ClientOrderID: strings.TrimPrefix(o.Text, "t-"),
				Side:          o.Side,
				Status:        gateStatus(o.Event, o.FinishAs, amount, left),
				Quantity:      amount,
				FilledQty:     math.Max(amount-left, 0),
				AvgPrice:      parseFloat(o.AvgDealPrice),
				ServerTime:    msToTime(updated),
				LocalTime:     local,
			})
		}

	case gateChannelBalances:
		var balances []gateBalanceData
		if err := json.Unmarshal(msg.Result, &balances); err != nil {
			g.log.Warn("bad balances payload", utils.Err(err))
			return
		}
		for _, b := range balances {
			ts, _ := strconv.ParseInt(b.TimestampMs, 10, 64)
			g.emitBalance(BalanceUpdate{
				Venue:      g.name,
				Asset:      b.Currency,
				Free:       parseFloat(b.Available),
				Total:      parseFloat(b.Total),
				ServerTime: msToTime(ts),
				LocalTime:  local,
			})
		}
	}
}

func gateStatus(event, finishAs string, amount, left float64) string {
	switch event {
	case "put":
		return OrderStatusNew
	case "update":
		if left < amount {
			return OrderStatusPartial
		}
		return OrderStatusNew
	case "finish":
		if finishAs == "filled" || left == 0 {
			return OrderStatusFilled
		}
		return OrderStatusCancelled
	default:
		return event
	}
}

// gateAPIResponse - ответ торгового канала
type gateAPIResponse struct {
	RequestID string `json:"request_id"`
	Ack       bool   `json:"ack"`
	Header    struct {
		Status  string `json:"status"`
		Channel string `json:"channel"`
	} `json:"header"`
	Data struct {
		Result rawMessage `json:"result"`
		Errs   *struct {
			Label   string `json:"label"`
			Message string `json:"message"`
		} `json:"errs"`
	} `json:"data"`
}

func (g *Gate) handleTrade(data []byte) {
	var resp gateAPIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		g.log.Warn("bad trade message", utils.Err(err))
		return
	}
	// ack=true - промежуточное подтверждение приёма, ждём итоговый ответ
	if resp.Ack || resp.Header.Channel == "" {
		return
	}

	code := "0"
	message := ""
	if resp.Header.Status != "200" {
		code = resp.Header.Status
		if resp.Data.Errs != nil {
			code = resp.Data.Errs.Label
			message = resp.Data.Errs.Message
		}
	}

	if resp.Header.Channel == "spot.login" {
		g.authAcks.resolve(string(models.ChannelTrade), authAck{OK: code == "0", Message: message})
		return
	}

	ack := tradeAck{Code: code, Message: message}
	var order struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Status string `json:"status"`
	}
	if len(resp.Data.Result) > 0 {
		_ = json.Unmarshal(resp.Data.Result, &order)
	}
	ack.OrderID, ack.ClientOrderID, ack.Status = order.ID, order.Text, order.Status

	if !g.orders.resolve(resp.RequestID, ack) {
		g.log.Debug("response without pending request", utils.CorrelationID(resp.RequestID))
	}
}

func (g *Gate) apiMessage(channel, id string, param map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channel,
		"event":   "api",
		"payload": map[string]interface{}{
			"req_id":    id,
			"req_param": param,
		},
	}
}

func (g *Gate) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	param := map[string]interface{}{
		"text":          "t-" + id,
		"currency_pair": gatePair(req.Symbol),
		"account":       "spot",
		"side":          req.Side,
		"amount":        formatFloat(req.Quantity),
	}
	if req.Type == OrderTypeMarket {
		param["type"] = "market"
		param["time_in_force"] = "ioc"
	} else {
		param["type"] = "limit"
		param["price"] = formatFloat(req.Price)
		param["time_in_force"] = "gtc"
	}

	ack, err := g.request(ctx, "spot.order_place", id, g.apiMessage("spot.order_place", id, param))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           g.name,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          OrderStatusNew,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

func (g *Gate) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	param := map[string]interface{}{
		"order_id":      req.OrderID,
		"currency_pair": gatePair(req.Symbol),
		"price":         formatFloat(req.Price),
	}
	if req.Quantity > 0 {
		param["amount"] = formatFloat(req.Quantity)
	}

	ack, err := g.request(ctx, "spot.order_amend", id, g.apiMessage("spot.order_amend", id, param))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           g.name,
		Symbol:          req.Symbol,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          OrderStatusAccepted,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

func (g *Gate) CancelOrder(ctx context.Context, req CancelRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	param := map[string]interface{}{
		"order_id":      req.OrderID,
		"currency_pair": gatePair(req.Symbol),
	}
	ack, err := g.request(ctx, "spot.order_cancel", id, g.apiMessage("spot.order_cancel", id, param))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           g.name,
		Symbol:          req.Symbol,
		Status:          OrderStatusAccepted,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

// ============ REST ============

func (g *Gate) GetTickers(ctx context.Context, symbols []string) ([]Ticker, error) {
	var list []struct {
		CurrencyPair string `json:"currency_pair"`
		HighestBid   string `json:"highest_bid"`
		LowestAsk    string `json:"lowest_ask"`
	}
	if err := g.rest.do(ctx, http.MethodGet, "/api/v4/spot/tickers", nil, nil, nil, &list); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[gatePair(s)] = true
	}

	now := time.Now()
	tickers := make([]Ticker, 0, len(symbols))
	for _, t := range list {
		if len(wanted) > 0 && !wanted[t.CurrencyPair] {
			continue
		}
		tickers = append(tickers, Ticker{
			Venue:     g.name,
			Symbol:    gateSymbol(t.CurrencyPair),
			BidPrice:  parseFloat(t.HighestBid),
			AskPrice:  parseFloat(t.LowestAsk),
			Timestamp: now,
		})
	}
	return tickers, nil
}

func (g *Gate) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	var info struct {
		AmountPrecision int    `json:"amount_precision"`
		Precision       int    `json:"precision"`
		MinBaseAmount   string `json:"min_base_amount"`
		MinQuoteAmount  string `json:"min_quote_amount"`
	}
	path := "/api/v4/spot/currency_pairs/" + gatePair(symbol)
	if err := g.rest.do(ctx, http.MethodGet, path, nil, nil, nil, &info); err != nil {
		return nil, err
	}

	return &Limits{
		Symbol:      symbol,
		MinOrderQty: parseFloat(info.MinBaseAmount),
		QtyStep:     math.Pow10(-info.AmountPrecision),
		PriceStep:   math.Pow10(-info.Precision),
		MinNotional: parseFloat(info.MinQuoteAmount),
	}, nil
}

func (g *Gate) GetBalance(ctx context.Context, asset string) (float64, error) {
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	query := url.Values{"currency": {asset}}
	if err := g.rest.do(ctx, http.MethodGet, "/api/v4/spot/accounts", query, nil, g.signREST, &accounts); err != nil {
		return 0, err
	}

	for _, a := range accounts {
		if a.Currency == asset {
			return parseFloat(a.Available) + parseFloat(a.Locked), nil
		}
	}
	return 0, nil
}

func (g *Gate) CancelAllOrders(ctx context.Context, symbol string) error {
	query := url.Values{"currency_pair": {gatePair(symbol)}}
	return g.rest.do(ctx, http.MethodDelete, "/api/v4/spot/orders", query, nil, g.signREST, nil)
}
