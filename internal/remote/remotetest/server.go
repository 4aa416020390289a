// Package remotetest provides an in-memory orders API for tests that need
// a real HTTP remote replica.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Server is an httptest server that implements the orders API on top of
// a map. Failures can be injected per HTTP method.
type Server struct {
	*httptest.Server

	// Token, when set, is the only bearer token accepted.
	Token string

	mu       sync.Mutex
	orders   map[string]models.Order
	faults   map[string][]int
	requests map[string]int
}

// NewServer starts a server. It is closed when the test ends if the
// caller registers s.Close with t.Cleanup.
func NewServer() *Server {
	s := &Server{
		orders:   make(map[string]models.Order),
		faults:   make(map[string][]int),
		requests: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", s.list)
	mux.HandleFunc("POST /orders", s.create)
	mux.HandleFunc("PATCH /orders/{id}", s.update)
	mux.HandleFunc("DELETE /orders/{id}", s.remove)

	s.Server = httptest.NewServer(s.guard(mux))

	return s
}

// Put stores an order directly, bypassing the API.
func (s *Server) Put(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.ID] = o
}

// Orders returns a snapshot of the stored orders sorted by id.
func (s *Server) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}

	slices.SortFunc(out, func(a, b models.Order) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// ByOrderNumber returns the stored orders with the given order number.
func (s *Server) ByOrderNumber(number string) []models.Order {
	var out []models.Order

	for _, o := range s.Orders() {
		if o.OrderNumber == number {
			out = append(out, o)
		}
	}

	return out
}

// FailNext makes the next len(statuses) requests with the given method
// answer with those statuses, in order.
func (s *Server) FailNext(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults[method] = append(s.faults[method], statuses...)
}

// Requests returns how many requests with the given method reached the
// server, injected failures included.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[method]
}

func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method]++

		if q := s.faults[r.Method]; len(q) > 0 {
			status := q[0]
			s.faults[r.Method] = q[1:]
			s.mu.Unlock()
			writeError(w, status, http.StatusText(status))

			return
		}
		s.mu.Unlock()

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Orders())
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if o.OrderNumber == "" {
		writeError(w, http.StatusBadRequest, "validation error: orderNumber is required")
		return
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	s.Put(o)
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var p models.OrderPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Empty() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	p.Apply(&o)
	s.orders[o.ID] = o
	w.WriteHeader(http.StatusOK)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if _, ok := s.orders[id]; !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	delete(s.orders, id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
