package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// MaxRequestSize bounds request bodies accepted by the HTTP handler.
// Attachments travel base64 encoded inside the JSON body.
const MaxRequestSize = 64 << 20

// HTTPBus is a Requester that POSTs each request to
// {base}/bus/{address} and returns the response body.
type HTTPBus struct {
	base   string
	client *http.Client
}

var _ Requester = (*HTTPBus)(nil)

// NewHTTPBus returns a bus client for the handler mounted at baseURL. A nil
// client means http.DefaultClient.
func NewHTTPBus(baseURL string, client *http.Client) *HTTPBus {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBus{base: strings.TrimSuffix(baseURL, "/"), client: client}
}

// Request implements Requester.
func (b *HTTPBus) Request(ctx context.Context, address string, body []byte) ([]byte, error) {
	u := b.base + "/bus/" + url.PathEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read reply: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, address)
	default:
		return nil, fmt.Errorf("proxy: bus request to %s: %s: %s", address, resp.Status, httpErrorMessage(data))
	}
}

func httpErrorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

// NewHTTPHandler serves POST /bus/{address} by forwarding the request body
// into bus and writing back its reply.
func NewHTTPHandler(bus Requester) *mux.Router {
	h := &httpHandler{bus: bus, logger: slog.Default()}
	router := mux.NewRouter()
	router.Use(h.loggingMiddleware)
	router.HandleFunc("/bus/{address}", h.handleRequest).Methods(http.MethodPost)
	return router
}

type httpHandler struct {
	bus    Requester
	logger *slog.Logger
}

func (h *httpHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("bus http request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (h *httpHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	reply, err := h.bus.Request(r.Context(), address, body)
	switch {
	case errors.Is(err, ErrNoHandler):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Warn("bus request failed", "address", address, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
