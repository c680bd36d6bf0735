// Package api exposes the exchange's read-only query surface over REST and
// a WebSocket trade ticker. Mutating operations never arrive here; they
// come from the game world through the coordinator on the tick thread.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/hollowforge/tradepost/pkg/exchange"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// Server handles the REST API and WebSocket connections.
type Server struct {
	ex     *exchange.Coordinator
	router *mux.Router
	hub    *Hub
}

// NewServer creates an API server over the given coordinator and registers
// itself as its trade listener.
func NewServer(ex *exchange.Coordinator) *Server {
	s := &Server{
		ex:     ex,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}

	ex.SetTradeListener(s.onTrade)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market browser and per-item data
	api.HandleFunc("/market", s.handleMarketSnapshot).Methods("GET")
	api.HandleFunc("/items/{item}/depth", s.handleDepth).Methods("GET")
	api.HandleFunc("/items/{item}/stats", s.handleStats).Methods("GET")

	// Account views
	api.HandleFunc("/accounts/{id}", s.handleAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}/collection", s.handleCollection).Methods("GET")

	// Ops
	api.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))

	snap := s.ex.MarketSnapshot(exchange.SnapshotQuery{
		Filter:   q.Get("filter"),
		Category: q.Get("category"),
		Sort:     exchange.SortModeFromString(q.Get("sort")),
		Page:     page,
	})
	respondJSON(w, snap)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	item := order.ItemKind(mux.Vars(r)["item"])
	respondJSON(w, s.ex.MarketDepth(item))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	item := order.ItemKind(mux.Vars(r)["item"])
	respondJSON(w, s.ex.ItemStats(item))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id", err.Error())
		return
	}

	view := s.ex.AccountSnapshot(order.PlayerID(owner))
	if view == nil {
		respondError(w, http.StatusNotFound, "account not found", "")
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	owner, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id", err.Error())
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	entries, totalPages, res := s.ex.CollectionPage(order.PlayerID(owner), page)
	if res != exchange.Success {
		respondError(w, http.StatusNotFound, "account not found", "")
		return
	}
	respondJSON(w, map[string]interface{}{
		"entries":    entries,
		"page":       page,
		"totalPages": totalPages,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.ex.Diagnostics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

// onTrade fans an executed match out to the ticker channels and pushes the
// refreshed depth for the traded item.
func (s *Server) onTrade(ev exchange.TradeEvent) {
	update := TradeUpdate{
		Type:      "trade",
		TradeID:   ev.TradeID,
		Item:      string(ev.Item),
		Price:     ev.Price,
		Qty:       ev.Qty,
		Timestamp: ev.At,
	}
	s.hub.BroadcastToChannel("trades", update)
	s.hub.BroadcastToChannel("trades:"+string(ev.Item), update)

	depth := s.ex.MarketDepth(ev.Item)
	buys := make([]PriceLevel, len(depth.BuyLevels))
	for i, l := range depth.BuyLevels {
		buys[i] = PriceLevel{Price: l.Price, Qty: l.Qty}
	}
	sells := make([]PriceLevel, len(depth.SellLevels))
	for i, l := range depth.SellLevels {
		sells[i] = PriceLevel{Price: l.Price, Qty: l.Qty}
	}
	s.hub.BroadcastToChannel("depth:"+string(ev.Item), DepthUpdate{
		Type:      "depth",
		Item:      string(ev.Item),
		Buys:      buys,
		Sells:     sells,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helpers
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}
