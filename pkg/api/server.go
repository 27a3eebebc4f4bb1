package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core"
	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/ops"
	"github.com/uhyunpark/dexview/pkg/app/core/projection"
	"github.com/uhyunpark/dexview/pkg/app/exchange"
)

// errBadRequest marks malformed request input that never reached the app.
var errBadRequest = errors.New("bad request")

type Options struct {
	// AllowedOrigins for CORS and WebSocket upgrades. "*" allows any.
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app      *exchange.App
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
	origins  []string
	upgrader websocket.Upgrader
}

func NewServer(app *exchange.App, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(log.Named("ws")),
		log:     log,
		origins: opts.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market views
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/candles", s.handleGetCandles).Methods("GET")
	api.HandleFunc("/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Account views
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/fills", s.handleGetAccountFills).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances", s.handleGetAccountBalances).Methods("GET")

	// Operations
	api.HandleFunc("/pending", s.handleGetPending).Methods("GET")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/fill", s.handleFillOrder).Methods("POST")

	// Read model
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/resync", s.handleResync).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 || slices.Contains(s.origins, "*") {
		return true
	}
	return slices.Contains(s.origins, origin)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.OrderBook())
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	tape := s.app.TradeTape()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		if n < len(tape.Trades) {
			tape.Trades = tape.Trades[:n]
		}
	}
	respondJSON(w, http.StatusOK, tape)
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	bucket := projection.DefaultBucket
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Minute {
			respondError(w, http.StatusBadRequest, "invalid bucket", "want a duration of at least 1m")
			return
		}
		bucket = d
	}
	respondJSON(w, http.StatusOK, CandlesResponse{Bucket: bucket.String(), Candles: s.app.Candles(bucket)})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Summary())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := event.OrderID(mux.Vars(r)["id"])
	cur := s.app.Current()
	o, ok := cur.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", string(id))
		return
	}
	respondJSON(w, http.StatusOK, OrderResponse{Order: o, Status: cur.Status(id).String()})
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, AccountOrdersResponse{Account: addr.Hex(), Orders: s.app.MyOpenOrders(addr)})
}

func (s *Server) handleGetAccountFills(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, AccountFillsResponse{Account: addr.Hex(), Fills: s.app.MyFills(addr)})
}

func (s *Server) handleGetAccountBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	cur := s.app.Current()
	respondJSON(w, http.StatusOK, AccountBalancesResponse{
		Account:  addr.Hex(),
		Loaded:   cur.BalancesLoaded(),
		Balances: cur.Balances(addr),
	})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pending())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Resync(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body TransferRequest
	if !decodeBody(w, r, &body) {
		return
	}
	acct, asset, amt, err := parseTransfer(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.submit(w, r, event.DepositRequest{From: acct, Asset: asset, Amount: amt})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body TransferRequest
	if !decodeBody(w, r, &body) {
		return
	}
	acct, asset, amt, err := parseTransfer(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.submit(w, r, event.WithdrawRequest{From: acct, Asset: asset, Amount: amt})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body PlaceOrderRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := buildOrder(s.app.Current().Reference(), body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.submit(w, r, req)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderActionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	acct, err := parseAddress("account", body.Account)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.submit(w, r, event.CancelOrderRequest{Maker: acct, OrderID: event.OrderID(mux.Vars(r)["id"])})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderActionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	acct, err := parseAddress("account", body.Account)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.submit(w, r, event.FillOrderRequest{Taker: acct, OrderID: event.OrderID(mux.Vars(r)["id"])})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if st := s.app.Status(); st.Halted {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": st.Error})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submit hands req to the operation pipeline and answers 202 with the
// operation on acknowledgment.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req event.Request) {
	op, err := s.app.Submit(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("api_request_submitted", "kind", req.RequestKind().String(), "id", op.ID, "sender", req.Sender().Hex())
	respondJSON(w, http.StatusAccepted, op)
}

func (s *Server) pending() PendingResponse {
	return PendingResponse{
		Flags:  s.app.Pending(),
		Active: s.app.ActiveOperations(),
		Recent: s.app.Recent(),
	}
}

// ==============================
// Broadcasting
// ==============================

// Run pushes snapshot and operation changes to WebSocket subscribers until
// ctx ends. Snapshot changes are coalesced; a burst of events yields one
// push of the latest views.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run()
	defer s.hub.Close()

	changed := make(chan struct{}, 1)
	stopSnaps := s.app.Subscribe(func(*core.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stopSnaps()

	opc := make(chan ops.Operation, 256)
	stopOps := s.app.SubscribeOps(func(op ops.Operation) {
		select {
		case opc <- op:
		default:
			s.log.Warnw("ws_operation_dropped", "id", op.ID, "status", op.Status)
		}
	})
	defer stopOps()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			s.broadcastSnapshot()
		case op := <-opc:
			s.broadcastOperation(op)
		}
	}
}

func (s *Server) broadcastSnapshot() {
	v := s.app.Current().Version()
	s.hub.BroadcastToChannel(ChannelOrderBook, v, s.app.OrderBook())
	s.hub.BroadcastToChannel(ChannelTrades, v, s.app.TradeTape())
	s.hub.BroadcastToChannel(ChannelCandles, v, CandlesResponse{
		Bucket:  projection.DefaultBucket.String(),
		Candles: s.app.Candles(projection.DefaultBucket),
	})
	s.hub.BroadcastToChannel(ChannelPrice, v, s.app.Summary())
	s.hub.BroadcastToChannel(ChannelStatus, v, s.app.Status())
	for _, ch := range s.hub.AccountChannels() {
		addr := common.HexToAddress(strings.TrimPrefix(ch, accountPrefix))
		s.hub.BroadcastToChannel(ch, v, s.accountUpdate(addr, nil))
	}
}

func (s *Server) broadcastOperation(op ops.Operation) {
	v := s.app.Current().Version()
	s.hub.BroadcastToChannel(ChannelPending, v, s.pending())
	if op.Request == nil {
		return
	}
	addr := op.Request.Sender()
	s.hub.BroadcastToChannel(accountChannel(addr), v, s.accountUpdate(addr, &op))
}

func (s *Server) accountUpdate(addr common.Address, op *ops.Operation) AccountUpdate {
	return AccountUpdate{
		Account:    addr.Hex(),
		OpenOrders: s.app.MyOpenOrders(addr),
		Fills:      s.app.MyFills(addr),
		Balances:   s.app.Current().Balances(addr),
		Operation:  op,
	}
}

// sendSnapshot answers a fresh subscription with the channel's current data.
func (s *Server) sendSnapshot(c *Client, channel string) {
	v := s.app.Current().Version()
	switch {
	case channel == ChannelOrderBook:
		c.sendDirect(channel, v, s.app.OrderBook())
	case channel == ChannelTrades:
		c.sendDirect(channel, v, s.app.TradeTape())
	case channel == ChannelCandles:
		c.sendDirect(channel, v, CandlesResponse{Bucket: projection.DefaultBucket.String(), Candles: s.app.Candles(projection.DefaultBucket)})
	case channel == ChannelPrice:
		c.sendDirect(channel, v, s.app.Summary())
	case channel == ChannelPending:
		c.sendDirect(channel, v, s.pending())
	case channel == ChannelStatus:
		c.sendDirect(channel, v, s.app.Status())
	case strings.HasPrefix(channel, accountPrefix):
		addr := strings.TrimPrefix(channel, accountPrefix)
		if isAddress(addr) {
			c.sendDirect(channel, v, s.accountUpdate(parseAddressUnchecked(addr), nil))
		}
	}
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(err, core.ErrTransmissionFailed):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrMalformedAmount), errors.Is(err, core.ErrInvalidOrder), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warnw("api_request_failed", "status", status, "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := mux.Vars(r)["address"]
	if !isAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", v)
		return common.Address{}, false
	}
	return parseAddressUnchecked(v), true
}

func isAddress(v string) bool { return common.IsHexAddress(v) }

func parseAddressUnchecked(v string) common.Address { return common.HexToAddress(v) }

func parseAddress(field, v string) (common.Address, error) {
	if !isAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadRequest, field, v)
	}
	return common.HexToAddress(v), nil
}

func accountChannel(addr common.Address) string { return accountPrefix + addr.Hex() }

func parseTransfer(body TransferRequest) (common.Address, common.Address, amount.Amount, error) {
	acct, err := parseAddress("account", body.Account)
	if err != nil {
		return acct, common.Address{}, amount.Zero, err
	}
	asset, err := parseAddress("asset", body.Asset)
	if err != nil {
		return acct, asset, amount.Zero, err
	}
	amt, err := amount.FromDisplay(body.Amount)
	return acct, asset, amt, err
}

// buildOrder turns a side/amount/price order into contract legs. A buy
// gives amount*price of the reference asset for amount tokens; a sell is
// the reverse.
func buildOrder(ref common.Address, body PlaceOrderRequest) (event.PlaceOrderRequest, error) {
	maker, err := parseAddress("maker", body.Maker)
	if err != nil {
		return event.PlaceOrderRequest{}, err
	}
	token, err := parseAddress("token", body.Token)
	if err != nil {
		return event.PlaceOrderRequest{}, err
	}
	tokens, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		return event.PlaceOrderRequest{}, fmt.Errorf("%w: amount %q", amount.ErrMalformedAmount, body.Amount)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(body.Price))
	if err != nil {
		return event.PlaceOrderRequest{}, fmt.Errorf("%w: price %q", amount.ErrMalformedAmount, body.Price)
	}
	tokenAmt, err := amount.FromDisplay(tokens.String())
	if err != nil {
		return event.PlaceOrderRequest{}, err
	}
	refAmt, err := amount.FromDisplay(tokens.Mul(price).Truncate(amount.Decimals).String())
	if err != nil {
		return event.PlaceOrderRequest{}, err
	}

	switch strings.ToLower(body.Side) {
	case "buy":
		return event.PlaceOrderRequest{Maker: maker, GiveAsset: ref, GiveAmount: refAmt, GetAsset: token, GetAmount: tokenAmt}, nil
	case "sell":
		return event.PlaceOrderRequest{Maker: maker, GiveAsset: token, GiveAmount: tokenAmt, GetAsset: ref, GetAmount: refAmt}, nil
	default:
		return event.PlaceOrderRequest{}, fmt.Errorf("%w: side %q (want buy or sell)", errBadRequest, body.Side)
	}
}
