package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"validatorpass/observability/logging"
	"validatorpass/services/extractd/models"
	"validatorpass/services/extractd/store"
)

const maxBodyBytes = 16 << 10

// Config captures the dependencies required to construct the server.
type Config struct {
	Store       *store.Store
	BearerToken string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server exposes submission intake, ownership proofs and the read API.
type Server struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	srv := &Server{store: cfg.Store, logger: logger, now: now}
	srv.router = srv.buildRouter(cfg.BearerToken)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/identities/{identity}/contributions", s.ListContributions)
		api.Get("/identities/{identity}/submissions", s.ListSubmissions)
		api.Get("/identities/{identity}/wallets", s.ListWallets)
		api.Group(func(protected chi.Router) {
			protected.Use(requireBearer(token))
			protected.Post("/submissions", s.Submit)
			protected.Post("/ownership", s.ConfirmOwnership)
		})
	})
	return otelhttp.NewHandler(r, "extractd.http")
}

// Healthz reports database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contributionView struct {
	TxHash            string    `json:"tx_hash"`
	Chain             string    `json:"chain"`
	Address           string    `json:"address"`
	Amount            string    `json:"amount"`
	TxDate            time.Time `json:"tx_date"`
	AdditionalSeconds int64     `json:"additional_seconds"`
	AccessExpiry      time.Time `json:"access_expiry"`
	CreatedAt         time.Time `json:"created_at"`
}

type submissionView struct {
	TxHash    string    `json:"tx_hash"`
	Identity  string    `json:"identity"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSubmissionView(sub models.Submission) submissionView {
	status := "invalid"
	switch {
	case sub.IsValid:
		status = "valid"
	case sub.IsPending:
		status = "pending"
	}
	return submissionView{
		TxHash:    sub.TxHash,
		Identity:  sub.Identity,
		Status:    status,
		Reason:    sub.Reason,
		CreatedAt: sub.CreatedAt.UTC(),
		UpdatedAt: sub.UpdatedAt.UTC(),
	}
}

// ListContributions returns an identity's contribution records, newest first.
func (s *Server) ListContributions(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListContributions(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.storeError(w, err, "failed to list contributions")
		return
	}
	views := make([]contributionView, 0, len(records))
	for _, rec := range records {
		views = append(views, contributionView{
			TxHash:            rec.TxHash,
			Chain:             rec.Chain,
			Address:           rec.Address,
			Amount:            rec.Amount.String(),
			TxDate:            rec.TxDate.UTC(),
			AdditionalSeconds: rec.AdditionalSeconds,
			AccessExpiry:      time.Unix(rec.AccessExpiry, 0).UTC(),
			CreatedAt:         rec.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contributions": views})
}

// ListSubmissions returns an identity's submissions, newest first. The
// outstanding query flag limits the list to pending and failed ones.
func (s *Server) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	outstanding := false
	if raw := strings.TrimSpace(r.URL.Query().Get("outstanding")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "outstanding must be a boolean")
			return
		}
		outstanding = parsed
	}
	subs, err := s.store.ListSubmissions(r.Context(), chi.URLParam(r, "identity"), outstanding)
	if err != nil {
		s.storeError(w, err, "failed to list submissions")
		return
	}
	views := make([]submissionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, toSubmissionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": views})
}

// ListWallets returns the addresses currently bound to an identity.
func (s *Server) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.WalletsFor(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.storeError(w, err, "failed to list wallets")
		return
	}
	addresses := make([]string, 0, len(wallets))
	for _, wallet := range wallets {
		addresses = append(addresses, strings.ToLower(wallet.Address))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": addresses})
}

// Submit queues a transaction hash for reconciliation.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash   string `json:"tx_hash"`
		Identity string `json:"identity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := s.store.Submit(r.Context(), req.TxHash, req.Identity)
	if err != nil {
		s.storeError(w, err, "failed to record submission")
		return
	}
	s.logger.Info("submission queued",
		slog.String("tx_hash", sub.TxHash),
		logging.MaskField("identity", sub.Identity))
	writeJSON(w, http.StatusAccepted, toSubmissionView(*sub))
}

// ConfirmOwnership binds a wallet to an identity once the wallet has signed an
// unexpired OwnershipMessage naming both.
func (s *Server) ConfirmOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity  string `json:"identity"`
		Address   string `json:"address"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "message and signature are required")
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Address)) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidAddress.Error())
		return
	}
	address := common.HexToAddress(strings.TrimSpace(req.Address))
	if err := VerifyOwnership(req.Identity, address, req.Message, req.Signature, s.now()); err != nil {
		msg := "message verification failed"
		if errors.Is(err, ErrMalformedProof) || errors.Is(err, ErrProofMismatch) || errors.Is(err, ErrProofExpired) {
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	wallet, err := s.store.ConfirmOwnership(r.Context(), req.Identity, req.Address)
	if err != nil {
		s.storeError(w, err, "failed to confirm ownership")
		return
	}
	s.logger.Info("wallet ownership confirmed",
		logging.MaskField("address", wallet.Address),
		logging.MaskField("identity", wallet.Identity))
	writeJSON(w, http.StatusOK, map[string]string{"address": wallet.Address, "identity": wallet.Identity})
}

func (s *Server) storeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrAlreadyValidated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTxHash),
		errors.Is(err, store.ErrInvalidAddress),
		errors.Is(err, store.ErrIdentityRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(fallback, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
