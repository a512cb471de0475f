package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// feedStaleAfter is how old a streamed price may be before CurrentPrice
	// falls back to REST.
	feedStaleAfter    = 5 * time.Second
	feedPingInterval  = 20 * time.Second
	feedReconnectWait = 3 * time.Second
	feedReadDeadline  = 60 * time.Second
)

// PriceFeed maintains last traded prices from the venue's public ticker
// stream. It reconnects on failure and resubscribes to every symbol it has
// been asked to track; consumers fall back to REST when a price is stale.
type PriceFeed struct {
	mu        sync.RWMutex
	url       string
	conn      *websocket.Conn
	symbols   map[string]bool
	prices    map[string]tickedPrice
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	log       zerolog.Logger

	// writeMu serializes conn writes between the ping loop and Track
	// subscriptions; gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex
}

type tickedPrice struct {
	price decimal.Decimal
	at    time.Time
}

type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// NewPriceFeed creates a ticker feed for the given public stream URL.
func NewPriceFeed(url string, logger zerolog.Logger) *PriceFeed {
	return &PriceFeed{
		url:     url,
		symbols: make(map[string]bool),
		prices:  make(map[string]tickedPrice),
		log:     logger.With().Str("component", "pricefeed").Logger(),
	}
}

// Track subscribes the feed to a venue symbol. Safe before or after Start.
func (f *PriceFeed) Track(symbol string) {
	f.mu.Lock()
	already := f.symbols[symbol]
	f.symbols[symbol] = true
	conn := f.conn
	f.mu.Unlock()

	if already || conn == nil {
		return
	}
	f.subscribe(conn, []string{symbol})
}

// LastPrice returns the streamed price for a symbol when it is fresh enough.
func (f *PriceFeed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tp, ok := f.prices[symbol]
	if !ok || time.Since(tp.at) > feedStaleAfter {
		return decimal.Zero, false
	}
	return tp.price, true
}

// Start runs the connect/read loop until Stop or context cancellation.
func (f *PriceFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return
	}
	f.isRunning = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx)
}

// Stop shuts the feed down and waits for the read loop to exit.
func (f *PriceFeed) Stop() {
	f.mu.Lock()
	if !f.isRunning {
		f.mu.Unlock()
		return
	}
	f.isRunning = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *PriceFeed) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connectAndRead(ctx); err != nil {
			f.log.Warn().Err(err).Msg("stream disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case <-time.After(feedReconnectWait):
		}
	}
}

func (f *PriceFeed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	tracked := make([]string, 0, len(f.symbols))
	for symbol := range f.symbols {
		tracked = append(tracked, symbol)
	}
	f.mu.Unlock()

	defer func() {
		conn.Close()
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
	}()

	if len(tracked) > 0 {
		f.subscribe(conn, tracked)
	}

	pingTicker := time.NewTicker(feedPingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				f.writeJSON(conn, map[string]string{"op": "ping"})
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.LastPrice)
		if err != nil {
			continue
		}

		f.mu.Lock()
		f.prices[msg.Data.Symbol] = tickedPrice{price: price, at: time.Now()}
		f.mu.Unlock()
	}
}

func (f *PriceFeed) subscribe(conn *websocket.Conn, symbols []string) {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	if err := f.writeJSON(conn, subscribeRequest{Op: "subscribe", Args: args}); err != nil {
		f.log.Warn().Err(err).Msg("failed to subscribe to tickers")
	}
}

func (f *PriceFeed) writeJSON(conn *websocket.Conn, v interface{}) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(v)
}
