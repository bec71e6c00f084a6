// Package httpapi exposes the driver, ride and wallet operations over HTTP.
// Callers are trusted upstream services; identities come from the path.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/dispatch"
	"github.com/example/ride-escrow/internal/drivers"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/location"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/matcher"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/payments"
	"github.com/example/ride-escrow/internal/rides"
	"github.com/example/ride-escrow/internal/wallet"
)

type Deps struct {
	Locations *location.Service
	Drivers   *drivers.Service
	Rides     *rides.Service
	Matcher   *matcher.Service
	Ledger    *wallet.Ledger
	Payments  *payments.Service
	WS        *dispatch.WSRegistry
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	Deps
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{Deps: d, mux: mux.NewRouter(), logger: logging.OrDefault(d.Logger)}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers/{driver_id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}", s.handleUpsertDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/preferences", s.handlePreferences).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/status", s.handleStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/rides/nearby", s.handleNearby).Methods(http.MethodGet)

	api.HandleFunc("/drivers/{driver_id}/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/rides/{ride_id}/reached", s.handleReached).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/rides/{ride_id}/verify-otp", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/rides/{ride_id}/cancel", s.handleDriverCancel).Methods(http.MethodPost)

	api.HandleFunc("/rides", s.handlePostRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/otp", s.handleRideCodes).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleUserCancel).Methods(http.MethodPost)
	api.HandleFunc("/ops/rides/{ride_id}/cancel", s.handleSystemCancel).Methods(http.MethodPost)

	api.HandleFunc("/drivers/{driver_id}/wallet", s.handleWallet).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/wallet/recharge", s.handleRecharge).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/wallet/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/payments/webhook", s.handleWebhook).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

// Handler wraps the router with CORS for browser-based dashboards.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)(s.mux)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// drivers

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.Drivers.Get(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var p drivers.Profile
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.Upsert(r.Context(), mux.Vars(r)["driver_id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type preferencesRequest struct {
	SearchRadiusKm  float64               `json:"search_radius_km"`
	AcceptedClasses []models.VehicleClass `json:"accepted_classes"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.UpdatePreferences(r.Context(), mux.Vars(r)["driver_id"], req.SearchRadiusKm, req.AcceptedClasses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type statusRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Online == nil {
		s.writeError(w, r, apperr.Validation("online is required"))
		return
	}
	id := mux.Vars(r)["driver_id"]
	if err := s.Drivers.SetOnline(r.Context(), id, *req.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "online": *req.Online})
}

type locationRequest struct {
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ping := events.LocationPing{
		DriverID:  mux.Vars(r)["driver_id"],
		Lat:       req.Lat,
		Lng:       req.Lng,
		Accuracy:  req.Accuracy,
		Speed:     req.Speed,
		Timestamp: req.Timestamp,
	}
	rec, err := s.Locations.UpdateLocation(r.Context(), ping)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	applyRadius := true
	if v := r.URL.Query().Get("apply_radius"); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			s.writeError(w, r, apperr.Validation("apply_radius must be a boolean"))
			return
		}
		applyRadius = b
	}
	res, err := s.Matcher.Search(r.Context(), mux.Vars(r)["driver_id"], applyRadius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rides

func (s *Server) handlePostRide(w http.ResponseWriter, r *http.Request) {
	var in rides.PostInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Rides.PostWithCodes(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideCodes(w http.ResponseWriter, r *http.Request) {
	res, err := s.Rides.Codes(r.Context(), r.URL.Query().Get("requester_id"), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	res, err := s.Rides.Accept(r.Context(), v["driver_id"], v["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReached(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	res, err := s.Rides.MarkReached(r.Context(), v["driver_id"], v["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type otpRequest struct {
	OTP    string `json:"otp"`
	EndOTP string `json:"end_otp"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v := mux.Vars(r)
	ride, err := s.Rides.VerifyOTP(r.Context(), v["driver_id"], v["ride_id"], req.OTP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v := mux.Vars(r)
	res, err := s.Rides.Complete(r.Context(), v["driver_id"], v["ride_id"], req.EndOTP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	RequesterID string `json:"requester_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v := mux.Vars(r)
	res, err := s.Rides.CancelByDriver(r.Context(), v["driver_id"], v["ride_id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Rides.CancelByUser(r.Context(), req.RequesterID, mux.Vars(r)["ride_id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSystemCancel is the operator override; no ownership check.
func (s *Server) handleSystemCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Rides.CancelBySystem(r.Context(), mux.Vars(r)["ride_id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// wallet

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	recent := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		recent = n
	}
	d, err := s.Ledger.Details(r.Context(), mux.Vars(r)["driver_id"], recent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleRecharge(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Payments.CreateRecharge(r.Context(), mux.Vars(r)["driver_id"], req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Ledger.Withdraw(r.Context(), mux.Vars(r)["driver_id"], req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperr.Validation("could not read request body"))
		return
	}
	res, err := s.Payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WS == nil {
		s.writeError(w, r, apperr.New(apperr.KindNotFound, "ws_disabled", "websocket push is not enabled"))
		return
	}
	s.WS.Serve(w, r, mux.Vars(r)["driver_id"])
}
