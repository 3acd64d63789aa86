package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/mountebank-testing/imposters/internal/controllers"
	"github.com/mountebank-testing/imposters/internal/models"
	httpproto "github.com/mountebank-testing/imposters/internal/protocols/http"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Version is reported by GET /config
const Version = "2.9.3-go"

// Config represents server configuration
type Config struct {
	Port           int
	Host           string
	LogLevel       string
	AllowInjection bool
	IPWhitelist    []string
	Origin         []string
	APIKey         string
	DataDir        string

	// Logger overrides the logger built from LogLevel
	Logger *util.Logger
}

// Server represents the mountebank server
type Server struct {
	config     *Config
	httpServer *http.Server
	logger     *util.Logger
	repository *models.ImposterRepository
	verifier   *util.IPVerifier
	started    time.Time
}

// New creates a new mountebank server
func New(config *Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = util.NewLogger(config.LogLevel)
	}

	var dataStore models.DataStore = &models.MemoryDataStore{}
	if config.DataDir != "" {
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create datadir: %w", err)
		}
		dataStore = models.NewFileSystemDataStore(config.DataDir, logger)
	}

	whitelist := config.IPWhitelist
	if len(whitelist) == 0 {
		whitelist = []string{"*"}
	}

	s := &Server{
		config:     config,
		logger:     logger,
		repository: models.NewImposterRepository(logger, dataStore),
		verifier:   util.NewIPVerifier(whitelist),
		started:    time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler returns the admin API
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	impostersController := controllers.NewImpostersController(s.repository, s, s.logger)
	imposterController := controllers.NewImposterController(s.repository, s, s.logger)
	logsController := controllers.NewLogsController(s.logger)

	router.HandleFunc("/", s.handleHome).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Get).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Post).Methods("POST")
	router.HandleFunc("/imposters", impostersController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters", impostersController.Put).Methods("PUT")

	router.HandleFunc("/imposters/{id}", imposterController.Get).Methods("GET")
	router.HandleFunc("/imposters/{id}", imposterController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PutStubs).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PostStub).Methods("POST")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.PutStub).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.DeleteStub).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedRequests", imposterController.ResetRequests).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedProxyResponses", imposterController.DeleteSavedProxyResponses).Methods("DELETE")

	router.HandleFunc("/logs", logsController.Get).Methods("GET")
	router.HandleFunc("/config", s.handleConfig).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(s.guard)

	origins := s.config.Origin
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return corsHandler.Handler(router)
}

// guard applies the IP whitelist and API key to admin requests
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.IsAllowed(r.RemoteAddr, s.logger) {
			writeForbidden(w, http.StatusForbidden, util.NewInsufficientAccessError("Access denied from "+r.RemoteAddr))
			return
		}
		if s.config.APIKey != "" && r.Header.Get("x-api-key") != s.config.APIKey {
			writeForbidden(w, http.StatusUnauthorized, util.NewInsufficientAccessError("Invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeForbidden(w http.ResponseWriter, status int, err *util.MountebankError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []*util.MountebankError{err}})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"_links": map[string]interface{}{
			"imposters": map[string]string{"href": "/imposters"},
			"config":    map[string]string{"href": "/config"},
			"logs":      map[string]string{"href": "/logs"},
			"metrics":   map[string]string{"href": "/metrics"},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var memory runtime.MemStats
	runtime.ReadMemStats(&memory)
	cwd, _ := os.Getwd()

	config := map[string]interface{}{
		"version": Version,
		"options": map[string]interface{}{
			"port":           s.config.Port,
			"host":           s.config.Host,
			"loglevel":       s.config.LogLevel,
			"allowInjection": s.config.AllowInjection,
			"ipWhitelist":    s.config.IPWhitelist,
			"origin":         s.config.Origin,
			"datadir":        s.config.DataDir,
		},
		"process": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"architecture": runtime.GOARCH,
			"platform":     runtime.GOOS,
			"heapAlloc":    memory.HeapAlloc,
			"heapTotal":    memory.HeapSys,
			"uptime":       time.Since(s.started).Seconds(),
			"cwd":          cwd,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(config)
}

// Start restores persisted imposters and serves the admin API until Stop
func (s *Server) Start() error {
	if err := s.restore(context.Background()); err != nil {
		return err
	}

	s.logger.Infof("mountebank now taking orders - point your browser to http://%s/ for help", s.httpServer.Addr)
	if s.config.AllowInjection {
		s.logger.Warn("Running with --allowInjection set. Injected scripts and shell commands run with the privileges of this process")
	}

	return s.httpServer.ListenAndServe()
}

// restore recreates the imposters kept in the datadir
func (s *Server) restore(ctx context.Context) error {
	configs, err := s.repository.DataStore().Load()
	if err != nil {
		return err
	}
	for _, config := range configs {
		if err := s.CreateImposter(ctx, config); err != nil {
			s.logger.Errorf("Cannot restore imposter on port %d: %v", config.Port, err)
		}
	}
	if len(configs) > 0 {
		s.logger.Infof("Restored %d imposters from %s", len(configs), s.config.DataDir)
	}
	return nil
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")
	s.repository.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("Adios - see you soon?")
	return nil
}

// Repository returns the imposter repository
func (s *Server) Repository() *models.ImposterRepository {
	return s.repository
}

// Logger returns the server logger
func (s *Server) Logger() *util.Logger {
	return s.logger
}

// CreateImposter validates, starts and registers an imposter
func (s *Server) CreateImposter(ctx context.Context, config *models.ImposterConfig) error {
	result := s.Validate(ctx, config)
	if !result.IsValid {
		return result.Errors[0]
	}

	imposter, err := s.Create(ctx, config)
	if err != nil {
		return err
	}
	if err := s.repository.Add(imposter); err != nil {
		_ = imposter.Stop()
		return err
	}
	return nil
}

func (s *Server) validator(defaultResponse *models.Response) *models.DryRunValidator {
	ec := models.NewExecutionContext(s.logger, s.config.AllowInjection)
	return models.NewDryRunValidator(ec, httpproto.PostProcessor(defaultResponse))
}

// Validate checks a new imposter configuration
func (s *Server) Validate(ctx context.Context, config *models.ImposterConfig) models.ValidationResult {
	switch config.Protocol {
	case "http":
	case "":
		return invalid(util.NewValidationError("'protocol' is a required field", config))
	default:
		return invalid(util.NewValidationError(fmt.Sprintf("the %s protocol is not supported", config.Protocol), config))
	}
	if config.Port < 0 || config.Port > 65535 {
		return invalid(util.NewValidationError("invalid value for 'port'", config.Port))
	}
	if config.Mode != "" && config.Mode != "text" && config.Mode != "binary" {
		return invalid(util.NewValidationError("'mode' must be 'text' or 'binary'", config.Mode))
	}

	return s.validator(config.DefaultResponse).Validate(ctx, config)
}

// ValidateStubs checks stubs being added to a running imposter
func (s *Server) ValidateStubs(ctx context.Context, imposter *models.Imposter, stubs []models.Stub) models.ValidationResult {
	return s.validator(imposter.Config().DefaultResponse).ValidateStubs(ctx, stubs, imposter.Encoding())
}

func invalid(err *util.MountebankError) models.ValidationResult {
	return models.ValidationResult{IsValid: false, Errors: []*util.MountebankError{err}}
}

// Create starts an imposter without registering it
func (s *Server) Create(ctx context.Context, config *models.ImposterConfig) (*models.Imposter, error) {
	if config.Port != 0 && s.repository.Exists(config.Port) {
		return nil, util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", config.Port), config.Port)
	}

	srv, err := httpproto.Listen(config)
	if err != nil {
		return nil, err
	}

	imposterConfig := *config
	imposterConfig.Port = srv.Port()
	logger := s.logger.WithScope(fmt.Sprintf("%s:%d", config.Protocol, imposterConfig.Port))

	imposter, err := models.NewImposter(&imposterConfig, models.ImposterOptions{
		Logger:         logger,
		AllowInjection: s.config.AllowInjection,
		Proxy:          httpproto.NewProxy(config.Mode, logger),
		PostProcess:    httpproto.PostProcessor(config.DefaultResponse),
		Stubs:          s.repository.DataStore().StubsFor(imposterConfig.Port),
	})
	if err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.SetIPVerifier(s.verifier)
	srv.Serve(imposter, logger)
	imposter.SetCloseFunc(srv.Close)
	return imposter, nil
}
