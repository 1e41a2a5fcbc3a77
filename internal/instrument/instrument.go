// Package instrument fetches and caches the exchange instrument catalog:
// the fetch-once bidirectional map between a broker-assigned numeric token
// and a human-readable trading symbol.
package instrument

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-retryablehttp"
)

// Instrument is immutable once the catalog has loaded.
type Instrument struct {
	Token    uint32 `csv:"instrument_token"`
	Symbol   string `csv:"tradingsymbol"`
	Name     string `csv:"name"`
	Exchange string `csv:"exchange"`
}

// Catalog is the fetch-once, process-lifetime cache of the instrument list.
type Catalog struct {
	byToken  map[uint32]Instrument
	bySymbol map[string]Instrument
}

// Fetch retrieves the instrument CSV from baseURL+"/instruments/NSE" and
// builds the token/symbol maps. The HTTP client retries with backoff
// because the catalog endpoint is known to be flaky under load; parsing
// failures are not retried (the body doesn't change between attempts).
func Fetch(ctx context.Context, baseURL string) (*Catalog, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/instruments/NSE", nil)
	if err != nil {
		return nil, fmt.Errorf("instrument: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instrument: fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("instrument: catalog returned status %d", resp.StatusCode)
	}

	var rows []Instrument
	if err := gocsv.Unmarshal(resp.Body, &rows); err != nil {
		return nil, fmt.Errorf("instrument: parse catalog CSV: %w", err)
	}

	c := &Catalog{
		byToken:  make(map[uint32]Instrument, len(rows)),
		bySymbol: make(map[string]Instrument, len(rows)),
	}
	for _, row := range rows {
		c.byToken[row.Token] = row
		c.bySymbol[row.Symbol] = row
	}
	return c, nil
}

// ByToken looks up an instrument by its exchange-assigned token.
func (c *Catalog) ByToken(token uint32) (Instrument, bool) {
	inst, ok := c.byToken[token]
	return inst, ok
}

// BySymbol looks up an instrument by its trading symbol, e.g. "RELIANCE".
func (c *Catalog) BySymbol(symbol string) (Instrument, bool) {
	inst, ok := c.bySymbol[symbol]
	return inst, ok
}

// Len returns the number of instruments in the catalog.
func (c *Catalog) Len() int {
	return len(c.byToken)
}

// FetchTimeout bounds how long a single catalog fetch (including retries)
// may take before the caller gives up.
const FetchTimeout = 30 * time.Second
