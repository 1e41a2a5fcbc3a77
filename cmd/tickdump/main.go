// Command tickdump is a standalone debugging CLI: it dials a broker feed
// URL directly, sends the subscribe/mode control frames, and prints every
// decoded Tick. It bypasses the rest of the pipeline (no snapshot store,
// no view publisher, no alerting) — a diagnostic aid, not a production
// path.
//
// Usage:
//
//	tickdump -url wss://ws.kite.trade -api-key K -access-token T -tokens 738561,2953217
//	tickdump -mode quote -tokens 738561
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kitetracker/tickfeed/internal/wire"
)

func main() {
	feedURL := flag.String("url", "wss://ws.kite.trade", "broker streaming websocket URL")
	apiKey := flag.String("api-key", os.Getenv("ZERODHA_API_KEY"), "broker API key")
	accessToken := flag.String("access-token", os.Getenv("ZERODHA_ACCESS_TOKEN"), "broker access token")
	tokensFlag := flag.String("tokens", "", "comma-separated instrument tokens to subscribe")
	mode := flag.String("mode", "full", "subscription mode: ltp|quote|full")
	showHex := flag.Bool("hex", false, "print raw hex dump alongside decoded output")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	tokens := parseTokens(*tokensFlag)
	if len(tokens) == 0 {
		log.Fatal("tickdump: -tokens is required (comma-separated instrument tokens)")
	}

	dialURL := withQuery(*feedURL, *apiKey, *accessToken)
	log.Printf("connecting to %s", *feedURL)
	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	log.Println("connected")

	sendControl(conn, map[string]any{"a": "subscribe", "v": tokens})
	time.Sleep(time.Second)
	sendControl(conn, map[string]any{"a": "mode", "v": []any{*mode, tokens}})
	log.Printf("subscribed to %v in %s mode", tokens, *mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		os.Exit(0)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		if *showHex {
			printHex(data)
		}
		printResult(wire.Decode(data))
	}
}

func printResult(result wire.Result) {
	switch result.Kind {
	case wire.KindHeartbeat:
		fmt.Println("HEARTBEAT")
	case wire.KindTextControl:
		fmt.Printf("CONTROL  type=%s data=%v\n", result.Control.Type, result.Control.Data)
	case wire.KindData:
		for _, w := range result.Warnings {
			fmt.Println("WARN    ", w)
		}
		for _, t := range result.Ticks {
			printTick(t)
		}
	default:
		fmt.Println("UNKNOWN")
	}
}

func printTick(t wire.Tick) {
	fmt.Printf("TICK     token=%-10d mode=%-5s last=%s", t.Token, t.Mode, t.LastPrice.Decimal().StringFixed(2))
	if t.Mode >= wire.ModeIndexQuote {
		fmt.Printf(" change=%s", t.Change.Decimal().StringFixed(2))
	}
	if t.Mode >= wire.ModeQuote {
		fmt.Printf(" vol=%d buy=%d sell=%d", t.VolumeTraded, t.TotalBuyQty, t.TotalSellQty)
	}
	if t.Mode == wire.ModeFull {
		fmt.Printf(" oi=%d depth0(bid=%s/%d ask=%s/%d)",
			t.OI,
			t.Depth.Buy[0].Price.Decimal().StringFixed(2), t.Depth.Buy[0].Qty,
			t.Depth.Sell[0].Price.Decimal().StringFixed(2), t.Depth.Sell[0].Qty,
		)
	}
	fmt.Println()
}

func sendControl(conn *websocket.Conn, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("encode control: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Fatalf("send control: %v", err)
	}
}

func parseTokens(csv string) []uint32 {
	var tokens []uint32
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			log.Fatalf("tickdump: invalid token %q: %v", part, err)
		}
		tokens = append(tokens, uint32(n))
	}
	return tokens
}

func withQuery(base, apiKey, accessToken string) string {
	v := url.Values{}
	v.Set("api_key", apiKey)
	v.Set("access_token", accessToken)
	return base + "?" + v.Encode()
}

func printHex(data []byte) {
	var sb strings.Builder
	sb.WriteString("         hex: ")
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n              ")
		}
		fmt.Fprintf(&sb, "%02x ", b)
	}
	fmt.Println(sb.String())
}
