package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/messaging"
	"github.com/songzhibin97/cmms-cartable/tracking"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

// UserHeader carries the ID of the acting user. It is trusted as is.
const UserHeader = "X-User-ID"

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 1 << 20

var (
	errMissingUser  = errors.New("missing " + UserHeader + " header")
	errBadBody      = errors.New("malformed request body")
	errBodyTooLarge = errors.New("request body too large")
)

type userKey struct{}

type Server struct {
	http.Server
	Port      int
	engine    *workflow.WorkflowEngine
	messages  *messaging.Service
	directory identity.Directory
	codes     tracking.Generator
}

func NewServer(httpPort int, engine *workflow.WorkflowEngine, messages *messaging.Service, directory identity.Directory, codes tracking.Generator) (*Server, error) {
	switch {
	case engine == nil:
		return nil, errors.New("engine is required")
	case messages == nil:
		return nil, errors.New("message service is required")
	case directory == nil:
		return nil, errors.New("user directory is required")
	case codes == nil:
		return nil, errors.New("tracking code generator is required")
	}

	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			ReadHeaderTimeout: 10 * time.Second,
		},
		Port:      httpPort,
		engine:    engine,
		messages:  messages,
		directory: directory,
		codes:     codes,
	}

	router := mux.NewRouter()
	router.HandleFunc("/workflows", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows", s.HandleSaveWorkflow).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)

	router.HandleFunc("/cartable", s.HandleStart).Methods(http.MethodPost)
	router.HandleFunc("/cartable", s.HandleListItems).Methods(http.MethodGet)
	router.HandleFunc("/cartable/mine", s.HandleMyCartable).Methods(http.MethodGet)
	router.HandleFunc("/cartable/{id}", s.HandleGetItem).Methods(http.MethodGet)
	router.HandleFunc("/cartable/{id}/actions", s.HandleAvailableActions).Methods(http.MethodGet)
	router.HandleFunc("/cartable/{id}/actions/{actionId}", s.HandleAction).Methods(http.MethodPost)
	router.HandleFunc("/cartable/{id}/assign", s.HandleAssign).Methods(http.MethodPost)
	router.HandleFunc("/cartable/{id}/history", s.HandleHistory).Methods(http.MethodGet)

	router.HandleFunc("/modules/{module}", s.HandleSubmitModule).Methods(http.MethodPost)

	router.HandleFunc("/messages", s.HandleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/messages", s.HandleSendMessage).Methods(http.MethodPost)
	router.HandleFunc("/messages/unread", s.HandleUnreadCount).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id}/read", s.HandleMarkRead).Methods(http.MethodPost)

	router.Use(loggingMiddleware, s.userMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info(r.RequestURI,
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// userMiddleware resolves the acting user from UserHeader.
func (s *Server) userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			respondWithErr(w, errMissingUser)
			return
		}
		user, err := s.directory.Lookup(r.Context(), id)
		if err != nil {
			respondWithErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func currentUser(r *http.Request) types.User {
	u, _ := r.Context().Value(userKey{}).(types.User)
	return u
}

// readBody reads at most MaxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		if int64(len(raw)) >= MaxBodyBytes {
			return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, MaxBodyBytes)
		}
		return nil, fmt.Errorf("%w: %v", errBadBody, err)
	}
	return raw, nil
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingUser), errors.Is(err, identity.ErrUserNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrConflict), errors.Is(err, workflow.ErrItemClosed):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrConditionNotMet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, workflow.ErrInvalidRequest), errors.Is(err, messaging.ErrInvalidMessage), errors.Is(err, errBadBody):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondWithErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		respondWithError(w, code, "internal error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("error encoding response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"internal error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
