package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/orchestrator"
)

// driverIDHeader carries the requester identity. Authentication itself is
// the gateway's job; ownership of the offer is still enforced here.
const driverIDHeader = "X-Driver-ID"

type Server struct {
	Orch      *orchestrator.Service
	Directory geo.Directory
	Locations *events.LocationPublisher // optional
	WSReg     *notify.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(orch *orchestrator.Service, dir geo.Directory, locs *events.LocationPublisher, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Orch:      orch,
		Directory: dir,
		Locations: locs,
		WSReg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/matching").Subrouter()
	api.HandleFunc("/orders/{order_id}/offer-drivers", s.handleManualOffers).Methods("POST")
	api.HandleFunc("/offers/{offer_id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/offers/{offer_id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/drivers/search", s.handleSearchDrivers).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offer_id"]
	requester := r.Header.Get(driverIDHeader)
	if requester == "" {
		writeError(w, modelsValidation("missing "+driverIDHeader+" header"))
		return
	}
	if err := s.Orch.AcceptOffer(r.Context(), offerID, requester); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "offer accepted"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offer_id"]
	requester := r.Header.Get(driverIDHeader)
	if requester == "" {
		writeError(w, modelsValidation("missing "+driverIDHeader+" header"))
		return
	}
	if err := s.Orch.RejectOffer(r.Context(), offerID, requester); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "offer rejected"})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	requester := r.Header.Get(driverIDHeader)
	offers, err := s.Orch.ListPendingOffers(r.Context(), driverID, requester)
	if err != nil {
		writeError(w, err)
		return
	}
	if offers == nil {
		offers = []*models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleManualOffers(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var body struct {
		DriverIDs []string `json:"driver_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, modelsValidation(err.Error()))
		return
	}
	if len(body.DriverIDs) == 0 {
		writeError(w, modelsValidation("driver_ids is required"))
		return
	}
	n, err := s.Orch.CreateManualOffers(r.Context(), orderID, body.DriverIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"offers_created": n})
}

func (s *Server) handleSearchDrivers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat        float64 `json:"lat"`
		Lng        float64 `json:"lng"`
		RadiusKm   float64 `json:"radius_km"`
		MaxResults int     `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, modelsValidation(err.Error()))
		return
	}
	cands, err := s.Orch.SearchNearbyDrivers(r.Context(), body.Lat, body.Lng, body.RadiusKm, body.MaxResults)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands, "total": len(cands)})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, modelsValidation(err.Error()))
		return
	}
	if d.ID == "" || d.Loc.IsZero() {
		writeError(w, modelsValidation("driver id and location are required"))
		return
	}
	d.Available = true
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(d); err != nil {
			s.logger.Error("publish location failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Directory.Upsert(r.Context(), d); err != nil {
		s.logger.Error("geo upsert failed", "driver_id", d.ID, "error", err)
	}
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"message": err.Error()})
}

// statusForError maps the error taxonomy onto HTTP statuses; 410 marks the
// expired-offer case apart from other conflicts.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func modelsValidation(msg string) error {
	return fmt.Errorf("%s: %w", msg, models.ErrValidation)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
