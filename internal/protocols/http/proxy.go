package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Proxy forwards imposter requests to a real HTTP service
type Proxy struct {
	client *http.Client
	mode   string
	logger *util.Logger
}

// NewProxy creates a proxy. Binary imposters forward base64-decoded bodies.
func NewProxy(mode string, logger *util.Logger) *Proxy {
	return &Proxy{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
				DisableCompression: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		mode:   mode,
		logger: logger,
	}
}

// To sends request to destination and converts the answer into a response
func (p *Proxy) To(ctx context.Context, destination string, request *models.Request, config *models.ProxyConfig) (*models.Response, error) {
	target, err := url.Parse(destination)
	if err != nil || target.Host == "" {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to parse %s as a URL", util.ToJSON(destination)), destination)
	}

	outgoing, err := p.outgoingRequest(ctx, target, request, config)
	if err != nil {
		return nil, err
	}
	p.logger.Debugf("Proxy %s => %s %s", request.RequestFrom, outgoing.Method, outgoing.URL)

	start := time.Now()
	resp, err := p.client.Do(outgoing)
	if err != nil {
		return nil, proxyError(destination, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	response := &models.Response{
		StatusCode:        resp.StatusCode,
		Headers:           flatten(resp.Header),
		ProxyResponseTime: time.Since(start).Milliseconds(),
	}
	if isBinary(resp.Header, body) {
		response.Body = base64.StdEncoding.EncodeToString(body)
		response.Mode = "binary"
	} else {
		response.Body = string(body)
		response.Mode = "text"
	}
	p.logger.Debugf("Proxy %s <= %d", request.RequestFrom, resp.StatusCode)
	return response, nil
}

func (p *Proxy) outgoingRequest(ctx context.Context, target *url.URL, request *models.Request, config *models.ProxyConfig) (*http.Request, error) {
	u := *target
	u.Path = strings.TrimSuffix(target.Path, "/") + request.Path
	query := url.Values{}
	for key, value := range request.Query {
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				query.Add(key, util.Stringify(item))
			}
		default:
			query.Add(key, util.Stringify(v))
		}
	}
	u.RawQuery = query.Encode()

	var body []byte
	if p.mode == "binary" {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return nil, util.NewValidationError("request body is not valid base64", request.Body)
		}
		body = decoded
	} else {
		body = []byte(request.Body)
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	outgoing, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for key, value := range request.Headers {
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				outgoing.Header.Add(key, util.Stringify(item))
			}
		default:
			outgoing.Header.Set(key, util.Stringify(v))
		}
	}
	for key, value := range config.InjectHeaders {
		outgoing.Header.Set(key, value)
	}
	outgoing.Header.Del("Content-Length")
	outgoing.Host = target.Host
	return outgoing, nil
}

// proxyError maps transport failures to invalid proxy errors
func proxyError(destination string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return util.NewInvalidProxyError("Cannot resolve "+util.ToJSON(destination), destination)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return util.NewInvalidProxyError("Unable to connect to "+util.ToJSON(destination), destination)
	}
	return fmt.Errorf("proxy to %s failed: %w", destination, err)
}

func isBinary(header http.Header, body []byte) bool {
	if encoding := header.Get("Content-Encoding"); encoding != "" && encoding != "identity" {
		return true
	}
	contentType := header.Get("Content-Type")
	for _, prefix := range []string{"image/", "audio/", "video/", "application/octet-stream", "application/pdf", "application/zip"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return !utf8.Valid(body)
}
