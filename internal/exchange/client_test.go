package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTickerServer(t *testing.T, lastPrice string, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		*hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"` + lastPrice + `"}]}}`))
	}))
}

func (f *PriceFeed) injectPrice(symbol, price string, at time.Time) {
	f.mu.Lock()
	f.prices[symbol] = tickedPrice{price: decimal.RequireFromString(price), at: at}
	f.mu.Unlock()
}

func (f *PriceFeed) tracked(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.symbols[symbol]
}

func TestCurrentPriceServesFromFreshFeed(t *testing.T) {
	hits := 0
	srv := newTickerServer(t, "20000", &hits)
	defer srv.Close()

	feed := NewPriceFeed("wss://unused", zerolog.Nop())
	feed.injectPrice("BTCUSDT", "19998.5", time.Now())

	client := NewRESTClient(ClientConfig{BaseURL: srv.URL}, zerolog.Nop())
	client.AttachPriceFeed(feed)

	price, err := client.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("19998.5")) {
		t.Errorf("price = %s, want the streamed 19998.5", price)
	}
	if hits != 0 {
		t.Errorf("rest requests = %d, want 0 while the stream is fresh", hits)
	}
}

func TestCurrentPriceTracksSymbolOnFeedMiss(t *testing.T) {
	hits := 0
	srv := newTickerServer(t, "20000", &hits)
	defer srv.Close()

	feed := NewPriceFeed("wss://unused", zerolog.Nop())
	client := NewRESTClient(ClientConfig{BaseURL: srv.URL}, zerolog.Nop())
	client.AttachPriceFeed(feed)

	price, err := client.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("price = %s, want the REST 20000", price)
	}
	if hits != 1 {
		t.Errorf("rest requests = %d, want 1", hits)
	}
	if !feed.tracked("BTCUSDT") {
		t.Fatal("feed miss did not subscribe the symbol")
	}

	// once the stream delivers, REST is no longer consulted
	feed.injectPrice("BTCUSDT", "20001", time.Now())
	price, err = client.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(20001)) {
		t.Errorf("price = %s, want the streamed 20001", price)
	}
	if hits != 1 {
		t.Errorf("rest requests = %d, want still 1", hits)
	}
}

func TestLastPriceRejectsStaleTick(t *testing.T) {
	feed := NewPriceFeed("wss://unused", zerolog.Nop())
	feed.injectPrice("BTCUSDT", "20000", time.Now().Add(-feedStaleAfter-time.Second))
	if _, ok := feed.LastPrice("BTCUSDT"); ok {
		t.Error("stale tick served as fresh")
	}
}

func TestTrackBeforeConnectIsSafe(t *testing.T) {
	feed := NewPriceFeed("wss://unused", zerolog.Nop())
	feed.Track("BTCUSDT")
	feed.Track("BTCUSDT")
	if !feed.tracked("BTCUSDT") {
		t.Error("symbol not registered for the next connect")
	}
}
