package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kitetracker/tickfeed/internal/alert"
	"github.com/kitetracker/tickfeed/internal/instrument"
)

func testCatalog(t *testing.T) *instrument.Catalog {
	t.Helper()
	csv := "instrument_token,exchange_token,tradingsymbol,name,exchange\n" +
		"738561,2885,RELIANCE,Reliance Industries,NSE\n" +
		"2953217,11536,TCS,Tata Consultancy Services,NSE\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	}))
	defer srv.Close()

	cat, err := instrument.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return cat
}

func TestResolveTokensMixesSymbolsAndNumericTokens(t *testing.T) {
	cat := testCatalog(t)
	tokens := resolveTokens([]string{"NSE:RELIANCE", "2953217", "NSE:UNKNOWN"}, cat, zerolog.Nop())

	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want 2 (unknown symbol skipped): %v", len(tokens), tokens)
	}
	if tokens[0] != 738561 || tokens[1] != 2953217 {
		t.Fatalf("tokens = %v, want [738561 2953217]", tokens)
	}
}

func TestResolveTokensEmptyRegistry(t *testing.T) {
	cat := testCatalog(t)
	tokens := resolveTokens(nil, cat, zerolog.Nop())
	if len(tokens) != 0 {
		t.Fatalf("len(tokens) = %d, want 0", len(tokens))
	}
}

func TestFormatAlertIncludesRatioOnlyForVolumeSpike(t *testing.T) {
	base := alert.Event{
		Instrument: instrument.Instrument{Symbol: "RELIANCE"},
		Price:      decimal.NewFromFloat(2400.00),
		Pct:        decimal.NewFromFloat(-4.0),
		Elapsed:    60 * time.Second,
	}

	crash := base
	crash.Kind = alert.KindCrash
	if got := formatAlert(crash); strings.Contains(got, "volume x") {
		t.Fatalf("CRASH alert should not mention a volume ratio: %q", got)
	}

	spike := base
	spike.Kind = alert.KindVolumeSpike
	spike.Ratio = decimal.NewFromFloat(2.5)
	if got := formatAlert(spike); !strings.Contains(got, "volume x2.50") {
		t.Fatalf("VOLUME_SPIKE alert should mention the ratio: %q", got)
	}
}
