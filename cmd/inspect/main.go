// Command inspect prints the read model of a running node as tables, and
// carries a few offline helpers.
//
//	inspect [-api URL] book
//	inspect [-api URL] trades [-n 20]
//	inspect [-api URL] candles [-bucket 15m]
//	inspect [-api URL] account <address>
//	inspect [-api URL] status
//	inspect replay            rebuild the read model from the configured ledger
//	inspect keygen            print a fresh key for ETH_PRIVATE_KEY
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/uhyunpark/dexview/params"
	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/exchange"
	"github.com/uhyunpark/dexview/pkg/crypto"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/ledger/devledger"
	"github.com/uhyunpark/dexview/pkg/ledger/ethledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

type object = map[string]any

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "node API base URL")
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: *apiURL, http: &http.Client{Timeout: 10 * time.Second}}
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "book":
		err = c.book()
	case "trades":
		fs := flag.NewFlagSet("trades", flag.ExitOnError)
		n := fs.Int("n", 20, "number of trades")
		fs.Parse(args)
		err = c.trades(*n)
	case "candles":
		fs := flag.NewFlagSet("candles", flag.ExitOnError)
		bucket := fs.String("bucket", "15m", "candle width")
		fs.Parse(args)
		err = c.candles(*bucket)
	case "account":
		if len(args) != 1 {
			err = fmt.Errorf("usage: inspect account <address>")
			break
		}
		err = c.account(args[0])
	case "status":
		err = c.status()
	case "replay":
		err = replay()
	case "keygen":
		err = keygen()
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %d %s %s", path, resp.StatusCode, e.Error, e.Message)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

func (c *client) book() error {
	var book struct {
		Buys  []object `json:"buyOrders"`
		Sells []object `json:"sellOrders"`
	}
	if err := c.get("/api/v1/orderbook", &book); err != nil {
		return err
	}
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"side", "id", "maker", "price", "tokens", "ether", "created"})
	for _, o := range book.Sells {
		w.Append(orderRow("sell", o))
	}
	for _, o := range book.Buys {
		w.Append(orderRow("buy", o))
	}
	w.Render()
	return nil
}

func orderRow(side string, o object) []string {
	return []string{side, str(o["id"]), short(str(o["maker"])), str(o["price"]), units(o["tokenAmount"]), units(o["etherAmount"]), str(o["createdAt"])}
}

func (c *client) trades(n int) error {
	var tape struct {
		Trades []object `json:"trades"`
	}
	if err := c.get("/api/v1/trades?limit="+strconv.Itoa(n), &tape); err != nil {
		return err
	}
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"time", "order", "maker", "taker", "price", "tokens", "ether", "dir"})
	for _, t := range tape.Trades {
		w.Append([]string{str(t["at"]), str(t["orderId"]), short(str(t["maker"])), short(str(t["taker"])), str(t["price"]), units(t["tokenAmount"]), units(t["etherAmount"]), str(t["direction"])})
	}
	w.Render()
	return nil
}

func (c *client) candles(bucket string) error {
	var resp struct {
		Bucket  string   `json:"bucket"`
		Candles []object `json:"candles"`
	}
	if err := c.get("/api/v1/candles?bucket="+url.QueryEscape(bucket), &resp); err != nil {
		return err
	}
	fmt.Printf("bucket %s\n", resp.Bucket)
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"start", "open", "high", "low", "close", "volume", "trades"})
	for _, k := range resp.Candles {
		w.Append([]string{str(k["start"]), str(k["open"]), str(k["high"]), str(k["low"]), str(k["close"]), units(k["volume"]), str(k["trades"])})
	}
	w.Render()
	return nil
}

func (c *client) account(addr string) error {
	var bal struct {
		Account  string   `json:"account"`
		Loaded   bool     `json:"loaded"`
		Balances []object `json:"balances"`
	}
	if err := c.get("/api/v1/accounts/"+addr+"/balances", &bal); err != nil {
		return err
	}
	fmt.Printf("account %s (balances loaded: %v)\n", bal.Account, bal.Loaded)
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"asset", "location", "amount"})
	for _, b := range bal.Balances {
		w.Append([]string{str(b["asset"]), str(b["location"]), units(b["amount"])})
	}
	w.Render()

	var orders struct {
		Orders []object `json:"orders"`
	}
	if err := c.get("/api/v1/accounts/"+addr+"/orders", &orders); err != nil {
		return err
	}
	w = tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"open order", "type", "price", "tokens", "ether"})
	for _, o := range orders.Orders {
		w.Append([]string{str(o["id"]), str(o["orderType"]), str(o["price"]), units(o["tokenAmount"]), units(o["etherAmount"])})
	}
	w.Render()

	var fills struct {
		Fills []object `json:"fills"`
	}
	if err := c.get("/api/v1/accounts/"+addr+"/fills", &fills); err != nil {
		return err
	}
	w = tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"fill", "type", "", "price", "tokens", "ether", "time"})
	for _, f := range fills.Fills {
		w.Append([]string{str(f["orderId"]), str(f["orderType"]), str(f["orderSign"]), str(f["price"]), units(f["tokenAmount"]), units(f["etherAmount"]), str(f["at"])})
	}
	w.Render()
	return nil
}

func (c *client) status() error {
	var st object
	if err := c.get("/api/v1/status", &st); err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st object) {
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"field", "value"})
	for _, k := range []string{"bootstrapped", "balancesLoaded", "halted", "error", "version", "boundaryBlock", "orders", "backlog", "digest"} {
		if v, ok := st[k]; ok {
			w.Append([]string{k, str(v)})
		}
	}
	w.Render()
}

// replay bootstraps a read model straight from the configured ledger and
// prints its status. Two replays of the same history print the same digest.
func replay() error {
	cfg, err := params.LoadFromEnv(".env")
	if err != nil {
		return err
	}
	logger, err := util.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var l ledger.Ledger
	switch cfg.Ledger.Mode {
	case params.ModeEth:
		eth, err := ethledger.Dial(ctx, ethledger.Config{
			RPCURL:    cfg.Eth.RPCURL,
			Exchange:  cfg.ExchangeAddress(),
			Reference: cfg.ReferenceAsset(),
			Logger:    sugar.Named("eth"),
		})
		if err != nil {
			return err
		}
		defer eth.Close()
		l = eth
	default:
		// The node must be stopped: the store is locked while it runs.
		dev, err := devledger.Open(devledger.Options{
			DataDir:    cfg.Dev.DataDir,
			FeePercent: cfg.Dev.FeePercent,
			FeeAccount: cfg.FeeAccount(),
			Clock:      util.RealClock{},
			Logger:     sugar.Named("dev"),
		})
		if err != nil {
			return err
		}
		defer dev.Close()
		l = dev
	}

	app := exchange.New(l, exchange.Config{
		Reference: cfg.ReferenceAsset(),
		Ingest: exchange.IngestConfig{
			FromBlock: cfg.Ledger.FromBlock,
			Assets:    cfg.TrackedAssets(),
			InboxSize: cfg.Ingest.InboxSize,
		},
	}, util.RealClock{}, sugar.Named("replay"))
	defer app.Stop()
	if err := app.Bootstrap(ctx); err != nil {
		return err
	}

	b, err := json.Marshal(app.Status())
	if err != nil {
		return err
	}
	var st object
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func keygen() error {
	signer, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Printf("Address:     %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	return nil
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// units renders a base-unit integer string as a display decimal.
func units(v any) string {
	s, ok := v.(string)
	if !ok {
		return str(v)
	}
	a, err := amount.FromBaseUnits(s)
	if err != nil {
		return s
	}
	return amount.ToDisplay(a)
}

func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + ".." + addr[len(addr)-4:]
}
