package instrument

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchBuildsBothMaps(t *testing.T) {
	csv := "instrument_token,exchange_token,tradingsymbol,name,exchange\n" +
		"738561,2885,RELIANCE,Reliance Industries,NSE\n" +
		"2953217,11536,TCS,Tata Consultancy Services,NSE\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	}))
	defer srv.Close()

	cat, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cat.Len())
	}

	inst, ok := cat.ByToken(738561)
	if !ok || inst.Symbol != "RELIANCE" {
		t.Fatalf("ByToken(738561) = %+v, %v", inst, ok)
	}

	inst, ok = cat.BySymbol("TCS")
	if !ok || inst.Token != 2953217 {
		t.Fatalf("BySymbol(TCS) = %+v, %v", inst, ok)
	}

	if _, ok := cat.ByToken(999); ok {
		t.Fatal("ByToken(999) should not be found")
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
