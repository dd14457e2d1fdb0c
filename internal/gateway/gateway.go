// Package gateway exposes warden's HTTP surface: instance lifecycle
// endpoints plus the authenticated console and telemetry websocket
// channels. The gateway only ever reads instance state; mutations go
// through the provisioner and the lifecycle manager.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/provision"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

// Gateway wires the HTTP handlers to the provisioner, lifecycle manager,
// and metrics sampler.
type Gateway struct {
	cfg         config.ServerConfig
	store       *sqlite.Store
	provisioner *provision.Provisioner
	manager     *lifecycle.Manager
	sampler     *metrics.Sampler
	ports       *provision.PortAllocator
	rt          runtime.ContainerRuntime
	log         *slog.Logger
	metrics     *promMetrics
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a Gateway. The runtime is only used for console attaches; all
// other container interaction goes through the lifecycle manager.
func New(
	cfg config.ServerConfig,
	store *sqlite.Store,
	provisioner *provision.Provisioner,
	manager *lifecycle.Manager,
	sampler *metrics.Sampler,
	ports *provision.PortAllocator,
	rt runtime.ContainerRuntime,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		cfg:         cfg,
		store:       store,
		provisioner: provisioner,
		manager:     manager,
		sampler:     sampler,
		ports:       ports,
		rt:          rt,
		log:         logger,
		metrics:     newPromMetrics(),
	}
}

// Run serves the gateway until ctx is canceled. A janitor loop reconciles
// persisted statuses with the runtime and re-syncs the port arena.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.manager.Reconcile(ctx); err != nil {
		g.log.Warn("startup reconcile incomplete", "err", err)
	}

	go g.runJanitor(ctx)

	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("gateway listening", "addr", g.cfg.Listen, "tls_mode", g.cfg.TLSMode)
		if err := g.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/instances", g.withTimeout(g.handleCreateInstance))
	mux.HandleFunc("GET /v1/instances", g.withTimeout(g.handleListInstances))
	mux.HandleFunc("GET /v1/instances/{id}", g.withTimeout(g.handleGetStatus))
	mux.HandleFunc("POST /v1/instances/{id}/stop", g.withTimeout(g.handleStop))
	mux.HandleFunc("POST /v1/instances/{id}/restart", g.withTimeout(g.handleRestart))
	mux.HandleFunc("POST /v1/instances/{id}/destroy", g.withTimeout(g.handleDestroy))
	mux.HandleFunc("GET /v1/instances/{id}/logs", g.withTimeout(g.handleLogs))
	// Streaming routes stay unbounded; sessions live until a side detaches.
	mux.HandleFunc("GET /v1/instances/{id}/console", g.handleConsole)
	mux.HandleFunc("GET /v1/instances/{id}/metrics", g.handleMetrics)
	mux.Handle("GET /metrics", g.metrics.handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// withTimeout bounds a REST handler by the configured request timeout so a
// stuck engine call cannot pin the connection forever.
func (g *Gateway) withTimeout(h http.HandlerFunc) http.HandlerFunc {
	if g.cfg.RequestTimeout <= 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

func (g *Gateway) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.manager.Reconcile(ctx); err != nil {
				g.log.Error("janitor reconcile failed", "err", err)
			}
			if err := g.ports.Sync(ctx); err != nil {
				g.log.Error("janitor port sync failed", "err", err)
			}
		}
	}
}

func (g *Gateway) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	keyID, ok := g.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	limit, err := g.store.GetAPIKeyInstanceLimit(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if limit >= 0 {
		active, err := g.store.ActiveInstanceCountByKey(r.Context(), keyID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		if active >= limit {
			writeError(w, http.StatusTooManyRequests, domain.ErrInstanceLimitReached.Error(), "instance_limit_reached")
			return
		}
	}

	var req domain.CreateInstanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, g.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "bad_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Image = strings.TrimSpace(req.Image)
	if req.Name == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "name and image are required", "bad_request")
		return
	}
	if req.MemoryMB <= 0 {
		req.MemoryMB = 1024
	}

	inst, err := g.store.CreateInstance(r.Context(), keyID, req.Name, req.Image, req.MemoryMB, req.DiskMB)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	res, err := g.provisioner.Provision(r.Context(), inst.ID)
	if err != nil {
		if errors.Is(err, domain.ErrPortsExhausted) {
			// Allocation never claimed a port; mark the owner failed
			// so the record does not linger in requested.
			_ = g.store.MarkFailedAndReleasePort(r.Context(), inst.ID)
			g.metrics.allocFailures.Inc()
			writeError(w, http.StatusConflict, domain.ErrPortsExhausted.Error(), "ports_exhausted")
			return
		}
		g.log.Error("provisioning failed", "instance_id", inst.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "provisioning failed", "")
		return
	}

	inst, err = g.store.GetInstance(r.Context(), inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if err := g.manager.Launch(r.Context(), inst, res.Secret); err != nil {
		g.metrics.lifecycleOps.WithLabelValues("launch", "error").Inc()
		writeLifecycleError(w, err)
		return
	}
	g.metrics.lifecycleOps.WithLabelValues("launch", "ok").Inc()

	writeJSON(w, http.StatusCreated, domain.CreateInstanceResponse{
		InstanceID:   inst.ID,
		Port:         res.Port,
		Address:      res.Address,
		AddressLabel: res.AddressLabel,
		Secret:       res.Secret,
		Status:       domain.StatusRunning,
	})
}

func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	keyID, ok := g.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	instances, err := g.store.ListInstancesByOwner(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	type listed struct {
		InstanceID   string `json:"instance_id"`
		Name         string `json:"name"`
		Image        string `json:"image"`
		Port         int    `json:"port,omitempty"`
		Address      string `json:"address,omitempty"`
		AddressLabel string `json:"address_label,omitempty"`
		Status       string `json:"status"`
	}
	out := make([]listed, 0, len(instances))
	for _, inst := range instances {
		out = append(out, listed{
			InstanceID:   inst.ID,
			Name:         inst.Name,
			Image:        inst.Image,
			Port:         inst.Port,
			Address:      inst.Address,
			AddressLabel: inst.AddressLabel,
			Status:       inst.Status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	snap, err := g.manager.Status(r.Context(), inst.ID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	var req domain.StopInstanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, g.cfg.MaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json", "bad_request")
		return
	}
	grace := time.Duration(req.GraceSeconds) * time.Second
	snap, err := g.manager.Stop(r.Context(), inst.ID, grace)
	if err != nil {
		g.metrics.lifecycleOps.WithLabelValues("stop", "error").Inc()
		writeLifecycleError(w, err)
		return
	}
	g.metrics.lifecycleOps.WithLabelValues("stop", "ok").Inc()
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	snap, err := g.manager.Restart(r.Context(), inst.ID)
	if err != nil {
		g.metrics.lifecycleOps.WithLabelValues("restart", "error").Inc()
		writeLifecycleError(w, err)
		return
	}
	g.metrics.lifecycleOps.WithLabelValues("restart", "ok").Inc()
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleDestroy(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	var req domain.DestroyInstanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, g.cfg.MaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json", "bad_request")
		return
	}
	snap, err := g.manager.Destroy(r.Context(), inst.ID, req.Purge)
	if err != nil {
		g.metrics.lifecycleOps.WithLabelValues("destroy", "error").Inc()
		writeLifecycleError(w, err)
		return
	}
	g.metrics.lifecycleOps.WithLabelValues("destroy", "ok").Inc()
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "tail must be between 1 and 10000", "bad_request")
			return
		}
		tail = n
	}
	lines, err := g.manager.TailLog(r.Context(), inst.ID, tail)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// authenticate resolves the bearer credential to an API key ID.
func (g *Gateway) authenticate(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	key := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if key == "" {
		return "", false
	}
	h := auth.HashAPIKey(key, g.cfg.APIKeyPepper)
	keyID, err := g.store.ResolveAPIKeyID(r.Context(), h)
	if err != nil {
		return "", false
	}
	return keyID, true
}

// authorizeInstance authenticates the caller and verifies it owns the
// instance in the request path. On failure it writes the response itself
// and returns false; no handler may touch the instance before this passes.
func (g *Gateway) authorizeInstance(w http.ResponseWriter, r *http.Request) (domain.Instance, bool) {
	keyID, ok := g.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return domain.Instance{}, false
	}
	id := r.PathValue("id")
	inst, err := g.store.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "instance not found", "not_found")
		} else {
			writeError(w, http.StatusInternalServerError, "internal error", "")
		}
		return domain.Instance{}, false
	}
	if inst.OwnerKeyID != keyID {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized.Error(), "authorization_error")
		return domain.Instance{}, false
	}
	return inst, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

// writeLifecycleError maps domain sentinels onto HTTP statuses so callers
// can distinguish exhaustion, conflicts, and transient runtime outage.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "instance not found", "not_found")
	case errors.Is(err, domain.ErrLifecycleConflict):
		writeError(w, http.StatusConflict, domain.ErrLifecycleConflict.Error(), "lifecycle_conflict")
	case errors.Is(err, domain.ErrRuntimeUnavailable):
		writeError(w, http.StatusServiceUnavailable, domain.ErrRuntimeUnavailable.Error(), "runtime_unavailable")
	default:
		writeError(w, http.StatusBadGateway, err.Error(), "runtime_error")
	}
}
