// Package server exposes the operator HTTP surface: liveness, pool status,
// relayer re-enabling and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/config"
	"github.com/gaslane/gaslane/coordinator"
	"github.com/gaslane/gaslane/lock"
	"github.com/gaslane/gaslane/registry"
)

var (
	errServerAlreadyRunning = errors.New("server already running")

	pathLivez         = "/livez"
	pathStatus        = "/status"
	pathExecute       = "/execute"
	pathEnableRelayer = "/relayers/{address:0x[a-fA-F0-9]+}/enable"
	pathMetrics       = "/metrics"
)

// HTTPServerTimeouts are various timeouts for requests to the gaslane HTTP server
type HTTPServerTimeouts struct {
	Read       time.Duration // Timeout for body reads. None if 0.
	ReadHeader time.Duration // Timeout for header reads. None if 0.
	Write      time.Duration // Timeout for writes. None if 0.
	Idle       time.Duration // Timeout to disconnect idle client connections. None if 0.
}

// NewDefaultHTTPServerTimeouts creates default server timeouts
func NewDefaultHTTPServerTimeouts() HTTPServerTimeouts {
	return HTTPServerTimeouts{
		Read:       time.Duration(config.ServerReadTimeoutMs) * time.Millisecond,
		ReadHeader: time.Duration(config.ServerReadHeaderTimeoutMs) * time.Millisecond,
		Write:      time.Duration(config.ServerWriteTimeoutMs) * time.Millisecond,
		Idle:       time.Duration(config.ServerIdleTimeoutMs) * time.Millisecond,
	}
}

// ServiceOpts configures a Service.
type ServiceOpts struct {
	Log        *logrus.Entry
	ListenAddr string
	Registry   *registry.Registry

	// Coordinator serves /execute; the endpoint is omitted when nil.
	Coordinator *coordinator.Coordinator

	// MetricsRegistry serves /metrics; the endpoint is omitted when nil.
	MetricsRegistry *prometheus.Registry
}

// Service is the operator HTTP service for the relayer pool.
type Service struct {
	listenAddr  string
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	metrics     *prometheus.Registry
	log         *logrus.Entry
	srv         *http.Server

	serverTimeouts HTTPServerTimeouts
}

// NewService created a new Service
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("no registry")
	}

	return &Service{
		listenAddr:  opts.ListenAddr,
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		metrics:     opts.MetricsRegistry,
		log:         opts.Log.WithField("module", "service"),

		serverTimeouts: NewDefaultHTTPServerTimeouts(),
	}, nil
}

func (s *Service) getRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot)

	r.HandleFunc(pathLivez, s.handleLivez).Methods(http.MethodGet)
	r.HandleFunc(pathStatus, s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(pathEnableRelayer, s.handleEnableRelayer).Methods(http.MethodPost)
	if s.coordinator != nil {
		r.HandleFunc(pathExecute, s.handleExecute).Methods(http.MethodPost)
	}
	if s.metrics != nil {
		r.Handle(pathMetrics, promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.Use(mux.CORSMethodMiddleware(r))
	loggedRouter := LoggingMiddleware(r, s.log)
	return loggedRouter
}

// StartHTTPServer starts the HTTP server for this service instance
func (s *Service) StartHTTPServer() error {
	if s.srv != nil {
		return errServerAlreadyRunning
	}

	s.srv = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.getRouter(),

		ReadTimeout:       s.serverTimeouts.Read,
		ReadHeaderTimeout: s.serverTimeouts.ReadHeader,
		WriteTimeout:      s.serverTimeouts.Write,
		IdleTimeout:       s.serverTimeouts.Idle,
		MaxHeaderBytes:    config.ServerMaxHeaderBytes,
	}

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Service) handleRoot(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}

func (s *Service) handleLivez(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}

type relayerStatus struct {
	Address  string            `json:"address"`
	Status   string            `json:"status"`
	Failures int               `json:"failures"`
	LastUsed string            `json:"last_used,omitempty"`
	Balances map[string]string `json:"balances,omitempty"`
}

type poolStatus struct {
	Free     int             `json:"free"`
	Relayers []relayerStatus `json:"relayers"`
}

func (s *Service) handleStatus(w http.ResponseWriter, req *http.Request) {
	infos := s.registry.Snapshot()

	out := poolStatus{
		Free:     s.registry.FreeCount(),
		Relayers: make([]relayerStatus, 0, len(infos)),
	}
	for _, info := range infos {
		entry := relayerStatus{
			Address:  info.Address.Hex(),
			Status:   info.Status.String(),
			Failures: info.Failures,
		}
		if !info.LastUsed.IsZero() {
			entry.LastUsed = info.LastUsed.UTC().Format(time.RFC3339)
		}
		if len(info.Balances) > 0 {
			entry.Balances = make(map[string]string, len(info.Balances))
			for token, snap := range info.Balances {
				entry.Balances[token.Hex()] = snap.Amount.Dec()
			}
		}
		out.Relayers = append(out.Relayers, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.WithError(err).Error("couldn't write status response")
	}
}

type executeRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	GasLimit uint64 `json:"gasLimit"`
	GasToken string `json:"gasToken,omitempty"`
}

type executeResponse struct {
	TxHash    string `json:"txHash"`
	Relayer   string `json:"relayer"`
	Attempts  int    `json:"attempts"`
	Ambiguous bool   `json:"ambiguous,omitempty"`
}

func (s *Service) handleExecute(w http.ResponseWriter, req *http.Request) {
	log := s.log.WithField("method", "execute")

	payload := new(executeRequest)
	if err := json.NewDecoder(req.Body).Decode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(payload.To) {
		http.Error(w, "invalid to address", http.StatusBadRequest)
		return
	}
	data, err := hexutil.Decode(payload.Data)
	if err != nil {
		http.Error(w, "invalid calldata", http.StatusBadRequest)
		return
	}

	execReq := &chain.Request{
		To:       common.HexToAddress(payload.To),
		Data:     data,
		GasLimit: payload.GasLimit,
	}
	if payload.GasToken != "" {
		if !common.IsHexAddress(payload.GasToken) {
			http.Error(w, "invalid gas token", http.StatusBadRequest)
			return
		}
		execReq.GasToken = common.HexToAddress(payload.GasToken)
	}

	outcome, err := s.coordinator.Execute(req.Context(), execReq)
	if err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.WithError(err).Warn("execution failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(executeResponse{
		TxHash:    outcome.TxHash.Hex(),
		Relayer:   outcome.Relayer.Hex(),
		Attempts:  outcome.Attempts,
		Ambiguous: outcome.Ambiguous,
	}); err != nil {
		log.WithError(err).Error("couldn't write execute response")
	}
}

func (s *Service) handleEnableRelayer(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	addr := common.HexToAddress(vars["address"])

	log := s.log.WithField("relayer", addr.Hex())
	if err := s.registry.Enable(addr); err != nil {
		if errors.Is(err, registry.ErrUnknownRelayer) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.WithError(err).Error("couldn't enable relayer")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Info("relayer enabled by operator")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}
