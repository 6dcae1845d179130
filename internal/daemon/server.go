// Package daemon serves the capture, registry, and transmit surfaces over a
// unix-domain HTTP socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jon-fox/raspberry-mcp/internal/api"
	"github.com/jon-fox/raspberry-mcp/internal/config"
	"github.com/jon-fox/raspberry-mcp/internal/listener"
	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/registry"
	"github.com/jon-fox/raspberry-mcp/internal/transmit"
)

const schemaVersion = "v1"
const watchBuffer = 64

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	captures *listener.Manager
	reg      *registry.Registry
	streamID string
	sequence atomic.Int64

	mu          sync.Mutex
	watchers    map[string]chan api.WatchLine
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, captures *listener.Manager, reg *registry.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		captures: captures,
		reg:      reg,
		streamID: uuid.NewString(),
		watchers: map[string]chan api.WatchLine{},
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	v1.HandleFunc("/listener/start", s.startListenerHandler).Methods(http.MethodPost)
	v1.HandleFunc("/listener/stop", s.stopListenerHandler).Methods(http.MethodPost)
	v1.HandleFunc("/listener/clear", s.clearListenerHandler).Methods(http.MethodPost)
	v1.HandleFunc("/listener/status", s.listenerStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/guidance", s.guidanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.createDeviceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/devices", s.listDevicesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{device_id}/operations", s.operationsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{device_id}", s.deleteDeviceHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{device_id}/send", s.sendHandler).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{device_id}/troubleshoot", s.troubleshootHandler).Methods(http.MethodPost)
	v1.HandleFunc("/watch", s.watchHandler).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowedHandler)

	chain := handlers.RecoveryHandler()(handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r))
	s.httpSrv = &http.Server{
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if captures != nil {
		captures.OnEvent(s.broadcastEvent)
	}
	return s
}

// Start binds the unix socket and serves until ctx is cancelled. A lock file
// beside the socket guards against concurrent daemons.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.captures != nil {
			if err := s.captures.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		s.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.captures != nil {
		resp.ListenerState = string(s.captures.Status().State)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startListenerHandler(w http.ResponseWriter, _ *http.Request) {
	// The subscription outlives this request, so it must not inherit the
	// request context.
	if _, err := s.captures.Start(context.Background()); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeCapture, err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) stopListenerHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.captures.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeCapture, err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) clearListenerHandler(w http.ResponseWriter, _ *http.Request) {
	s.captures.ClearEvents()
	s.writeStatus(w)
}

func (s *Server) listenerStatusHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeStatus(w)
}

func (s *Server) writeStatus(w http.ResponseWriter) {
	st := s.captures.Status()
	resp := api.ListenerStatusResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         string(st.State),
		EventCount:    st.EventCount,
	}
	if st.State == model.ListenerListening {
		resp.SessionID = st.SessionID
		started := st.StartedAt.UTC().Format(time.RFC3339Nano)
		resp.StartedAt = &started
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	var sinceText *string
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "since must be RFC3339")
			return
		}
		since = &t
		sinceText = &q
	}
	events := s.captures.Events(since)
	items := make([]api.EventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, eventItem(ev))
	}
	s.writeJSON(w, http.StatusOK, api.EventsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Since:         sinceText,
		Events:        items,
	})
}

func (s *Server) guidanceHandler(w http.ResponseWriter, r *http.Request) {
	g := registry.GuidanceFor(r.URL.Query().Get("device_type"))
	s.writeJSON(w, http.StatusOK, api.GuidanceResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceType:    g.DeviceType,
		Required:      g.Required,
		Suggested:     g.Suggested,
		ExampleOrder:  g.ExampleOrder,
		Notes:         g.Notes,
		KnownTypes:    registry.GuidanceTypes(),
	})
}

func (s *Server) createDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitMappingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" || len(req.Operations) == 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "device_id and operations are required")
		return
	}
	since, err := time.Parse(time.RFC3339, req.Since)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "since must be RFC3339")
		return
	}
	device, err := s.reg.SubmitMappings(r.Context(), req.DeviceID, req.DeviceType, req.Operations, since)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, deviceResponse(device))
}

func (s *Server) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reg.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodePersistence, err.Error())
		return
	}
	items := make([]api.DeviceItem, 0, len(devices))
	for _, d := range devices {
		items = append(items, api.DeviceItem{
			DeviceID:   d.DeviceID,
			DeviceType: d.DeviceType,
			Operations: d.OperationNames(),
			UpdatedAt:  d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.DevicesEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Devices:       items,
	})
}

func (s *Server) operationsHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	ops, err := s.reg.ListOperations(r.Context(), deviceID)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OperationsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      deviceID,
		Operations:    ops,
	})
}

func (s *Server) deleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if err := s.reg.DeleteDevice(r.Context(), deviceID); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "operation is required")
		return
	}
	opts := transmit.Options{
		CarrierHz: req.CarrierHz,
		DutyCycle: req.DutyCycle,
		Repeats:   req.Repeats,
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()
	if err := s.reg.SendCommandWithOptions(ctx, deviceID, req.Operation, opts); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SendResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      deviceID,
		Operation:     req.Operation,
		ResultCode:    "ok",
	})
}

func (s *Server) troubleshootHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req api.TroubleshootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "operation is required")
		return
	}
	results, err := s.reg.Troubleshoot(r.Context(), deviceID, req.Operation, req.Repeats, s.cfg.SweepPause)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	items := make([]api.SweepResultItem, 0, len(results))
	for _, res := range results {
		items = append(items, api.SweepResultItem{
			CarrierHz: res.CarrierHz,
			DutyCycle: res.DutyCycle,
			Repeats:   res.Repeats,
			Error:     res.Err,
		})
	}
	s.writeJSON(w, http.StatusOK, api.TroubleshootEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      deviceID,
		Operation:     req.Operation,
		Results:       items,
	})
}

func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "watch ended") //nolint:errcheck

	id := uuid.NewString()
	lines := make(chan api.WatchLine, watchBuffer)
	s.mu.Lock()
	s.watchers[id] = lines
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()

	ctx := c.CloseRead(r.Context())
	hello := api.WatchLine{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.sequence.Add(1),
		Type:          "hello",
	}
	if err := wsjson.Write(ctx, c, hello); err != nil {
		return
	}
	for {
		select {
		case line := <-lines:
			if err := wsjson.Write(ctx, c, line); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// broadcastEvent runs on the segmenter goroutine. Slow watchers lose lines
// rather than stall capture.
func (s *Server) broadcastEvent(ev model.CapturedEvent) {
	item := eventItem(ev)
	line := api.WatchLine{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.sequence.Add(1),
		Type:          "captured_event",
		Event:         &item,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	var insufficient *registry.InsufficientSignalsError
	var persistence *registry.PersistenceError
	var transmission *transmit.TransmissionError
	switch {
	case errors.As(err, &insufficient):
		s.writeError(w, http.StatusConflict, model.ErrCodeInsufficientSignals, err.Error())
	case errors.Is(err, registry.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, model.ErrCodeUnknownDevice, err.Error())
	case errors.Is(err, registry.ErrUnknownOperation):
		s.writeError(w, http.StatusNotFound, model.ErrCodeUnknownOperation, err.Error())
	case errors.As(err, &transmission):
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransmission, err.Error())
	case errors.As(err, &persistence):
		s.writeError(w, http.StatusInternalServerError, model.ErrCodePersistence, err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusNotFound, model.ErrCodeBadRequest, "route not found")
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeBadRequest, "method not allowed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func eventItem(ev model.CapturedEvent) api.EventItem {
	return api.EventItem{
		EventID:    ev.ID,
		Signal:     ev.Decoded,
		CapturedAt: ev.CapturedAt.UTC().Format(time.RFC3339Nano),
		PulseCount: len(ev.RawPulses),
	}
}

func deviceResponse(d model.Device) api.DeviceResponse {
	ops := make([]api.OperationItem, 0, len(d.Operations))
	for _, op := range d.Operations {
		ops = append(ops, api.OperationItem{
			Name:       op.Name,
			Signal:     op.Signal,
			Position:   op.Position,
			CapturedAt: op.CapturedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return api.DeviceResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      d.DeviceID,
		DeviceType:    d.DeviceType,
		Operations:    ops,
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
