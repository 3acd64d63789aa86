package http

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Fault names understood by the server
const (
	FaultConnectionReset    = "CONNECTION_RESET_BY_PEER"
	FaultRandomDataAndClose = "RANDOM_DATA_THEN_CLOSE"
)

// Responder resolves the response for an imposter request
type Responder interface {
	GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error)
}

// Server represents an HTTP imposter server
type Server struct {
	port      int
	mode      string
	server    *http.Server
	listener  net.Listener
	logger    *util.Logger
	verifier  *util.IPVerifier
	allowCORS bool
}

// Listen binds the imposter port. Port 0 picks a free port.
func Listen(config *models.ImposterConfig) (*Server, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(config.Host, fmt.Sprint(config.Port)))
	if err != nil {
		return nil, util.NewProtocolError(fmt.Sprintf("cannot bind to port %d", config.Port), config.Port, err.Error())
	}

	return &Server{
		port:      listener.Addr().(*net.TCPAddr).Port,
		mode:      config.Mode,
		listener:  listener,
		allowCORS: config.AllowCORS,
	}, nil
}

// SetIPVerifier blocks requests from addresses the verifier rejects
func (s *Server) SetIPVerifier(verifier *util.IPVerifier) {
	s.verifier = verifier
}

// Serve starts answering requests with responder
func (s *Server) Serve(responder Responder, logger *util.Logger) {
	s.logger = logger
	s.server = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleRequest(w, r, responder)
		}),
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	s.logger.Infof("Open for business...")
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, responder Responder) {
	start := time.Now()
	defer func() {
		duration := time.Since(start)
		msg := fmt.Sprintf("%s %s took %v", r.Method, r.URL.String(), duration)
		if duration > 100*time.Millisecond {
			msg += " (SLOW)"
		}
		s.logger.Debug(msg)
	}()

	if s.verifier != nil && !s.verifier.IsAllowed(r.RemoteAddr, s.logger) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.allowCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	request, err := s.toRequest(r)
	if err != nil {
		s.logger.Errorf("Error converting request: %v", err)
		writeError(w, err)
		return
	}
	s.logger.Infof("%s => %s %s", request.RequestFrom, request.Method, request.Path)

	response, err := responder.GetResponseFor(context.WithoutCancel(r.Context()), request)
	if err != nil {
		s.logger.Errorf("%s => %v", request.RequestFrom, err)
		writeError(w, err)
		return
	}

	if response.Fault != "" {
		s.writeFault(w, response.Fault)
		return
	}
	s.writeResponse(w, response)
}

// toRequest converts an HTTP request to an imposter request
func (s *Server) toRequest(r *http.Request) (*models.Request, error) {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	body := string(bodyBytes)
	if s.mode == "binary" {
		body = base64.StdEncoding.EncodeToString(bodyBytes)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	request := &models.Request{
		Protocol:    "http",
		RequestFrom: r.RemoteAddr,
		IP:          ip,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       flatten(r.URL.Query()),
		Headers:     flatten(r.Header),
		Body:        body,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if form, err := parseForm(bodyBytes); err == nil {
			request.Form = form
		}
	}
	return request, nil
}

// flatten keeps single values as strings and repeated values as arrays
func flatten(values map[string][]string) map[string]interface{} {
	result := make(map[string]interface{}, len(values))
	for key, list := range values {
		if len(list) == 1 {
			result[key] = list[0]
			continue
		}
		items := make([]interface{}, 0, len(list))
		for _, value := range list {
			items = append(items, value)
		}
		result[key] = items
	}
	return result
}

func parseForm(body []byte) (map[string]interface{}, error) {
	r := &http.Request{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   io.NopCloser(strings.NewReader(string(body))),
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return flatten(r.PostForm), nil
}

func (s *Server) writeResponse(w http.ResponseWriter, response *models.Response) {
	for key, value := range response.Headers {
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				w.Header().Add(key, util.Stringify(item))
			}
		case []string:
			for _, item := range v {
				w.Header().Add(key, item)
			}
		default:
			w.Header().Set(key, util.Stringify(v))
		}
	}

	body := []byte(util.Stringify(response.Body))
	if response.Mode == "binary" {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			s.logger.Warnf("response body is not valid base64: %v", err)
		} else {
			body = decoded
		}
	}

	statusCode := response.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		s.logger.Debugf("cannot write response: %v", err)
	}
}

func (s *Server) writeFault(w http.ResponseWriter, fault string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		s.logger.Errorf("cannot simulate fault %s", fault)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.Errorf("cannot simulate fault %s: %v", fault, err)
		return
	}
	defer conn.Close()

	switch fault {
	case FaultConnectionReset:
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
	case FaultRandomDataAndClose:
		garbage := make([]byte, 32)
		_, _ = rand.Read(garbage)
		_, _ = conn.Write(garbage)
	default:
		s.logger.Errorf("unrecognized fault: %s", fault)
	}
}

// writeError answers with an error document, 400 for errors in user
// configuration and 500 otherwise
func writeError(w http.ResponseWriter, err error) {
	mbErr, ok := util.AsMountebankError(err)
	status := http.StatusBadRequest
	if !ok {
		mbErr = util.ToMountebankError(err, util.CodeBadData)
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []*util.MountebankError{mbErr},
	})
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Close stops the HTTP server
func (s *Server) Close() error {
	if s.server == nil {
		return s.listener.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}
