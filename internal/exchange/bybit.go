package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPublic   = "wss://stream.bybit.com/v5/public/spot"
	bybitWSPrivate  = "wss://stream.bybit.com/v5/private"
	bybitWSTrade    = "wss://stream.bybit.com/v5/trade"
	bybitRecvWindow = "5000"

	// Bybit принимает не более 10 топиков в одном subscribe
	bybitMaxArgs = 10
	// Глубина стакана для торгового алгоритма
	bybitBookDepth = 50
)

// Bybit - клиент спотового рынка Bybit v5
//
// Каналы:
//   - public:  orderbook.1.{SYM} -> тикеры, orderbook.50.{SYM} -> стакан (snapshot + delta)
//   - private: order, wallet (после op=auth)
//   - trade:   order.create / order.amend / order.cancel по reqId (после op=auth)
type Bybit struct {
	*venueBase
	books *bookCache
}

// NewBybit создаёт клиент; соединения открываются в Connect и Subscribe*
func NewBybit(cfg VenueConfig, log *utils.Logger) *Bybit {
	if cfg.PublicURL == "" {
		cfg.PublicURL = bybitWSPublic
	}
	if cfg.PrivateURL == "" {
		cfg.PrivateURL = bybitWSPrivate
	}
	if cfg.TradeURL == "" {
		cfg.TradeURL = bybitWSTrade
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = bybitBaseURL
	}
	if cfg.SymbolsPerConnection <= 0 || cfg.SymbolsPerConnection > bybitMaxArgs {
		cfg.SymbolsPerConnection = bybitMaxArgs
	}
	cfg.WS.PingMessage = func() interface{} { return map[string]string{"op": "ping"} }

	return &Bybit{
		venueBase: newVenueBase("bybit", cfg, cfg.RESTURL, log),
		books:     newBookCache(),
	}
}

// ============ Подпись ============

func (b *Bybit) hmacHex(payload string) string {
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// signREST - заголовки X-BAPI-*: sign = HMAC_SHA256(ts + key + recvWindow + query|body)
func (b *Bybit) signREST(req *http.Request, query string, body []byte) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := query
	if req.Method != http.MethodGet {
		payload = string(body)
	}
	req.Header.Set("X-BAPI-API-KEY", b.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", b.hmacHex(ts+b.cfg.APIKey+bybitRecvWindow+payload))
}

// wsAuth - op=auth, sign = HMAC_SHA256("GET/realtime" + expires)
func (b *Bybit) wsAuth(class models.ChannelClass) AuthFunc {
	return func(ctx context.Context, c *WSConn) error {
		expires := time.Now().Add(10 * time.Second).UnixMilli()
		msg := map[string]interface{}{
			"op":   "auth",
			"args": []interface{}{b.cfg.APIKey, expires, b.hmacHex(fmt.Sprintf("GET/realtime%d", expires))},
		}
		return b.awaitAuth(ctx, c, string(class), msg)
	}
}

// ============ Сообщения ============

// bybitMessage - общий конверт сообщений всех каналов
type bybitMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`

	Topic        string     `json:"topic"`
	Type         string     `json:"type"`
	Ts           int64      `json:"ts"`
	CreationTime int64      `json:"creationTime"`
	Data         rawMessage `json:"data"`

	// trade канал
	ReqID      string `json:"reqId"`
	RetCode    *int   `json:"retCode"`
	RetMsgCase string `json:"retMsg"`
}

type bybitBookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type bybitOrderData struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

type bybitWalletData struct {
	Coin []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
	} `json:"coin"`
}

// ============ Публичные потоки ============

func (b *Bybit) SubscribeToTickers(ctx context.Context, symbols []string, onUpdate func(Ticker)) error {
	return b.openBookStream(ctx, symbols, 1, func(book OrderBook) {
		if len(book.Bids) == 0 || len(book.Asks) == 0 {
			return
		}
		onUpdate(Ticker{
			Venue:     b.name,
			Symbol:    book.Symbol,
			BidPrice:  book.Bids[0].Price,
			AskPrice:  book.Asks[0].Price,
			Timestamp: book.Timestamp,
		})
	})
}

func (b *Bybit) SubscribeToOrderBook(ctx context.Context, symbols []string, onUpdate func(OrderBook)) error {
	return b.openBookStream(ctx, symbols, bybitBookDepth, onUpdate)
}

func (b *Bybit) openBookStream(ctx context.Context, symbols []string, depth int, onBook func(OrderBook)) error {
	stream := chunkedStream{
		venue:   b.name,
		url:     b.cfg.PublicURL,
		key:     fmt.Sprintf("orderbook.%d", depth),
		perConn: b.cfg.SymbolsPerConnection,
		cfg:     b.cfg.WS,
		log:     b.log,
		onMessage: func(data []byte) {
			b.handlePublic(data, depth, onBook)
		},
		subscribe: func(chunk []string) SubscribeFunc {
			args := make([]string, 0, len(chunk))
			for _, s := range chunk {
				args = append(args, fmt.Sprintf("orderbook.%d.%s", depth, s))
			}
			return func(ctx context.Context, c *WSConn) error {
				return c.Send(map[string]interface{}{"op": "subscribe", "args": args})
			}
		},
	}
	return stream.open(ctx, b.conns, symbols)
}

func (b *Bybit) handlePublic(data []byte, depth int, onBook func(OrderBook)) {
	var msg bybitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("bad public message", utils.Err(err))
		return
	}

	if msg.Op != "" {
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			b.log.Warn("subscribe rejected", utils.String("reason", msg.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return
	}

	var d bybitBookData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		b.log.Warn("bad orderbook payload", utils.String("topic", msg.Topic), utils.Err(err))
		return
	}

	book, ok := b.books.update(msg.Topic, b.name, d.Symbol, msg.Type == "snapshot", d.Bids, d.Asks, depth, msToTime(msg.Ts))
	if ok {
		onBook(book)
	}
}

// ============ Приватный и торговый каналы ============

// Connect открывает приватный канал (order, wallet) и торговый канал.
// Возвращает ошибку, если любой из них не подтвердил аутентификацию.
func (b *Bybit) Connect(ctx context.Context) error {
	b.private = b.newChannel(models.ChannelPrivate, b.cfg.PrivateURL, b.handlePrivate, string(models.ChannelPrivate))
	b.private.SetAuth(b.wsAuth(models.ChannelPrivate))
	_ = b.private.Subscribe(ctx, "order+wallet", nil, func(ctx context.Context, c *WSConn) error {
		return c.Send(map[string]interface{}{"op": "subscribe", "args": []string{"order", "wallet"}})
	})
	if err := b.private.Connect(ctx); err != nil {
		return fmt.Errorf("bybit private channel: %w", err)
	}

	b.trade = b.newChannel(models.ChannelTrade, b.cfg.TradeURL, b.handleTrade, string(models.ChannelTrade))
	b.trade.SetAuth(b.wsAuth(models.ChannelTrade))
	if err := b.trade.Connect(ctx); err != nil {
		return fmt.Errorf("bybit trade channel: %w", err)
	}
	return nil
}

func (b *Bybit) handleAuthAck(class models.ChannelClass, msg *bybitMessage) {
	ack := authAck{OK: msg.Success != nil && *msg.Success, Message: msg.RetMsg}
	if msg.RetCode != nil {
		ack.OK = *msg.RetCode == 0
		ack.Message = msg.RetMsgCase
	}
	b.authAcks.resolve(string(class), ack)
}

func (b *Bybit) handlePrivate(data []byte) {
	local := time.Now()

	var msg bybitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("bad private message", utils.Err(err))
		return
	}

	switch {
	case msg.Op == "auth":
		b.handleAuthAck(models.ChannelPrivate, &msg)
	case msg.Topic == "order":
		var orders []bybitOrderData
		if err := json.Unmarshal(msg.Data, &orders); err != nil {
			b.log.Warn("bad order payload", utils.Err(err))
			return
		}
		for _, o := range orders {
			if o.Category != "" && o.Category != "spot" {
				continue
			}
			updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
			b.emitOrder(OrderUpdate{
				Venue:         b.name,
				Symbol:        o.Symbol,
				OrderID:       o.OrderID,
				ClientOrderID: o.OrderLinkID,
				Side:          strings.ToLower(o.Side),
				Status:        bybitStatus(o.OrderStatus),
				Quantity:      parseFloat(o.Qty),
				FilledQty:     parseFloat(o.CumExecQty),
				AvgPrice:      parseFloat(o.AvgPrice),
				ServerTime:    msToTime(updated),
				LocalTime:     local,
			})
		}
	case msg.Topic == "wallet":
		var wallets []bybitWalletData
		if err := json.Unmarshal(msg.Data, &wallets); err != nil {
			b.log.Warn("bad wallet payload", utils.Err(err))
			return
		}
		for _, w := range wallets {
			for _, c := range w.Coin {
				total := parseFloat(c.WalletBalance)
				b.emitBalance(BalanceUpdate{
					Venue:      b.name,
					Asset:      c.Coin,
					Total:      total,
					Free:       total - parseFloat(c.Locked),
					ServerTime: msToTime(msg.CreationTime),
					LocalTime:  local,
				})
			}
		}
	}
}

func bybitStatus(s string) string {
	switch s {
	case "New", "Untriggered":
		return OrderStatusNew
	case "PartiallyFilled":
		return OrderStatusPartial
	case "Filled":
		return OrderStatusFilled
	case "Rejected":
		return OrderStatusRejected
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return OrderStatusCancelled
	default:
		return strings.ToLower(s)
	}
}

func (b *Bybit) handleTrade(data []byte) {
	var msg bybitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("bad trade message", utils.Err(err))
		return
	}

	if msg.Op == "auth" {
		b.handleAuthAck(models.ChannelTrade, &msg)
		return
	}
	if msg.ReqID == "" || msg.RetCode == nil {
		return // pong и служебные ответы
	}

	ack := tradeAck{Code: strconv.Itoa(*msg.RetCode), Message: msg.RetMsgCase}
	var d struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &d)
	}
	ack.OrderID, ack.ClientOrderID = d.OrderID, d.OrderLinkID

	if !b.orders.resolve(msg.ReqID, ack) {
		b.log.Debug("response without pending request", utils.CorrelationID(msg.ReqID))
	}
}

func (b *Bybit) tradeMessage(id, op string, args map[string]interface{}) map[string]interface{} {
	args["category"] = "spot"
	return map[string]interface{}{
		"reqId": id,
		"header": map[string]string{
			"X-BAPI-TIMESTAMP":   strconv.FormatInt(time.Now().UnixMilli(), 10),
			"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		},
		"op":   op,
		"args": []interface{}{args},
	}
}

func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	args := map[string]interface{}{
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"qty":         formatFloat(req.Quantity),
		"orderLinkId": id,
	}
	if req.Type == OrderTypeMarket {
		args["orderType"] = "Market"
		args["marketUnit"] = "baseCoin"
	} else {
		args["orderType"] = "Limit"
		args["price"] = formatFloat(req.Price)
		args["timeInForce"] = "GTC"
	}

	ack, err := b.request(ctx, "order.create", id, b.tradeMessage(id, "order.create", args))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           b.name,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          OrderStatusNew,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

func (b *Bybit) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	args := map[string]interface{}{
		"symbol":  req.Symbol,
		"orderId": req.OrderID,
		"price":   formatFloat(req.Price),
	}
	if req.Quantity > 0 {
		args["qty"] = formatFloat(req.Quantity)
	}

	ack, err := b.request(ctx, "order.amend", id, b.tradeMessage(id, "order.amend", args))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           b.name,
		Symbol:          req.Symbol,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          OrderStatusAccepted,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, req CancelRequest) (*OrderResult, error) {
	id := correlationOrNew(req.CorrelationID)

	args := map[string]interface{}{"symbol": req.Symbol, "orderId": req.OrderID}
	ack, err := b.request(ctx, "order.cancel", id, b.tradeMessage(id, "order.cancel", args))
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		CorrelationID:   id,
		Venue:           b.name,
		Symbol:          req.Symbol,
		Status:          OrderStatusAccepted,
		ExchangeOrderID: ack.OrderID,
	}, nil
}

func bybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

// ============ REST ============

type bybitResponse struct {
	RetCode int        `json:"retCode"`
	RetMsg  string     `json:"retMsg"`
	Result  rawMessage `json:"result"`
}

func (b *Bybit) restCall(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	var sign signFunc
	if signed {
		sign = b.signREST
	}

	var resp bybitResponse
	if err := b.rest.do(ctx, method, path, query, body, sign, &resp); err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return &ExchangeError{Exchange: b.name, Code: strconv.Itoa(resp.RetCode), Message: resp.RetMsg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (b *Bybit) GetTickers(ctx context.Context, symbols []string) ([]Ticker, error) {
	var result struct {
		List []struct {
			Symbol string `json:"symbol"`
			Bid1   string `json:"bid1Price"`
			Ask1   string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := b.restCall(ctx, http.MethodGet, "/v5/market/tickers", url.Values{"category": {"spot"}}, nil, false, &result); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	now := time.Now()
	tickers := make([]Ticker, 0, len(symbols))
	for _, t := range result.List {
		if len(wanted) > 0 && !wanted[t.Symbol] {
			continue
		}
		tickers = append(tickers, Ticker{
			Venue:     b.name,
			Symbol:    t.Symbol,
			BidPrice:  parseFloat(t.Bid1),
			AskPrice:  parseFloat(t.Ask1),
			Timestamp: now,
		})
	}
	return tickers, nil
}

func (b *Bybit) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	var result struct {
		List []struct {
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	query := url.Values{"category": {"spot"}, "symbol": {symbol}}
	if err := b.restCall(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, &ExchangeError{Exchange: b.name, Code: "not_found", Message: "unknown symbol " + symbol}
	}

	info := result.List[0]
	return &Limits{
		Symbol:      symbol,
		MinOrderQty: parseFloat(info.LotSizeFilter.MinOrderQty),
		QtyStep:     parseFloat(info.LotSizeFilter.BasePrecision),
		PriceStep:   parseFloat(info.PriceFilter.TickSize),
		MinNotional: parseFloat(info.LotSizeFilter.MinOrderAmt),
	}, nil
}

func (b *Bybit) GetBalance(ctx context.Context, asset string) (float64, error) {
	var result struct {
		List []bybitWalletData `json:"list"`
	}
	query := url.Values{"accountType": {"UNIFIED"}, "coin": {asset}}
	if err := b.restCall(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true, &result); err != nil {
		return 0, err
	}

	for _, w := range result.List {
		for _, c := range w.Coin {
			if c.Coin == asset {
				return parseFloat(c.WalletBalance), nil
			}
		}
	}
	return 0, nil
}

func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]string{"category": "spot", "symbol": symbol}
	return b.restCall(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body, true, nil)
}
