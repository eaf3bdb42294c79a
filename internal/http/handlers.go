package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-hail/internal/dispatch"
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/ingest"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/observability"
	"github.com/example/ride-hail/internal/rides"
)

// PingSink receives driver pings directly when the deployment runs
// without Kafka. The memory source implements it; the Redis source is
// fed by the consumer binary instead.
type PingSink interface {
	Upsert(models.Driver, models.DriverLocationPing)
}

type Server struct {
	Service *rides.Service
	Kafka   *ingest.KafkaProducer
	WSReg   *dispatch.WSRegistry
	Pings   PingSink

	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(svc *rides.Service, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, pings PingSink, logger *slog.Logger) *Server {
	s := &Server{Service: svc, Kafka: kafka, WSReg: wsreg, Pings: pings, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/estimates", s.handleEstimate).Methods("POST")
	api.HandleFunc("/eta", s.handleETA).Methods("GET")
	api.HandleFunc("/rides", s.handleBookRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/tip", s.handleTip).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/rating/driver", s.handleRateDriver).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/rating/rider", s.handleRateRider).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.Validation, err, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Unauthorized:
		return http.StatusForbidden
	case errs.Conflict, errs.InvalidState:
		return http.StatusConflict
	case errs.InsufficientFunds:
		return http.StatusPaymentRequired
	case errs.External:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]string{"code": string(code), "error": err.Error()})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var ev ingest.LocationEvent
	if err := decode(r, &ev); err != nil {
		s.writeError(w, err)
		return
	}
	if ev.Driver.ID == "" {
		s.writeError(w, errs.New(errs.Validation, "driver id is required"))
		return
	}
	ev.Driver.Online = true
	if ev.Ping.DriverID == "" {
		ev.Ping.DriverID = ev.Driver.ID
	}
	if ev.Ping.At.IsZero() {
		ev.Ping.At = time.Now()
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(ev); err != nil {
			s.logger.Warn("kafka publish failed", "driver", ev.Driver.ID, "error", err)
		}
	}
	if s.Pings != nil {
		s.Pings.Upsert(ev.Driver, ev.Ping)
	}
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req rides.EstimateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	est, err := s.Service.GetFareEstimate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, errs.New(errs.Validation, "lat and lon query params are required"))
		return
	}
	class := models.VehicleClass(q.Get("class"))
	eta, err := s.Service.QuoteETA(r.Context(), models.Coord{Lat: lat, Lon: lon}, class)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"eta_minutes": eta})
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	var cmd rides.BookCommand
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.BookRide(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Service.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.AcceptRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Service.RejectRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.MarkArrived(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.StartRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type completeRequest struct {
	DriverID          string  `json:"driver_id"`
	ActualDistanceKm  float64 `json:"actual_distance_km"`
	ActualDurationMin float64 `json:"actual_duration_min"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.ActualDistanceKm, req.ActualDurationMin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.CancelRide(r.Context(), mux.Vars(r)["ride_id"], req.ActorID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type tipRequest struct {
	RiderID string  `json:"rider_id"`
	Amount  float64 `json:"amount"`
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.AddTip(r.Context(), mux.Vars(r)["ride_id"], req.RiderID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type ratingRequest struct {
	RaterID string  `json:"rater_id"`
	Score   float64 `json:"score"`
}

func (s *Server) handleRateDriver(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.RateDriver(r.Context(), mux.Vars(r)["ride_id"], req.RaterID, req.Score)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRateRider(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Service.RateRider(r.Context(), mux.Vars(r)["ride_id"], req.RaterID, req.Score)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
