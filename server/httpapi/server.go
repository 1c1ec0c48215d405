// Package httpapi exposes the message engine over HTTP: ingest, skeleton
// inspection, full raw rebuilds and IMAP style section selection, plus
// cache and object store administration.
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/gorilla/mux"

	"github.com/migadu/crake/attachments"
	"github.com/migadu/crake/bodystructure"
	"github.com/migadu/crake/cache"
	"github.com/migadu/crake/envelope"
	"github.com/migadu/crake/helpers"
	"github.com/migadu/crake/indexer"
	"github.com/migadu/crake/mimetree"
	"github.com/migadu/crake/pkg/metrics"
	"github.com/migadu/crake/pkg/retry"
	"github.com/migadu/crake/storage"
)

const (
	defaultMaxMessageSize = 50 << 20
	defaultListLimit      = 1000
	previewLength         = 512
)

// MessageStore is the object store surface the API needs.
// *storage.S3Storage satisfies it.
type MessageStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
	ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan storage.S3Object, <-chan error)
}

// Server represents the HTTP API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	store          MessageStore
	cache          *cache.Cache
	externalizer   *attachments.Externalizer
	indexer        *indexer.Indexer
	maxMessageSize int64
	retryConfig    retry.BackoffConfig
	server         *http.Server
	tls            bool
	tlsCertFile    string
	tlsKeyFile     string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	Cache          *cache.Cache
	Externalizer   *attachments.Externalizer
	Indexer        *indexer.Indexer
	MaxMessageSize int64
	RetryConfig    retry.BackoffConfig
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
}

// New creates a new HTTP API server
func New(store MessageStore, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required for HTTP API server")
	}
	if options.Externalizer == nil || options.Indexer == nil {
		return nil, fmt.Errorf("externalizer and indexer are required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	maxMessageSize := options.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	retryConfig := options.RetryConfig
	if retryConfig == (retry.BackoffConfig{}) {
		retryConfig = retry.DefaultBackoffConfig()
	}

	s := &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		store:          store,
		cache:          options.Cache,
		externalizer:   options.Externalizer,
		indexer:        options.Indexer,
		maxMessageSize: maxMessageSize,
		retryConfig:    retryConfig,
		tls:            options.TLS,
		tlsCertFile:    options.TLSCertFile,
		tlsKeyFile:     options.TLSKeyFile,
	}

	return s, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, store MessageStore, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	log.Printf("Starting %s API server on %s", protocol, options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP API server: %v", err)
		}
	}()

	// Start server with or without TLS
	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.metricsMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Message routes
	v1.HandleFunc("/messages", s.handleIngestMessage).Methods("POST")
	v1.HandleFunc("/messages/{hash}", s.handleGetMessage).Methods("GET")
	v1.HandleFunc("/messages/{hash}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/messages/{hash}/raw", s.handleGetRaw).Methods("GET")
	v1.HandleFunc("/messages/{hash}/section", s.handleGetSection).Methods("GET")

	// Object store routes
	v1.HandleFunc("/objects", s.handleListObjects).Methods("GET")

	// Cache management routes
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	v1.HandleFunc("/cache/metrics", s.handleCacheMetrics).Methods("GET")
	v1.HandleFunc("/cache/purge", s.handleCachePurge).Methods("POST")

	// System status routes
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("HTTP API: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("HTTP API: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("HTTP API: Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// isContentHash reports whether s looks like a lowercase hex BLAKE3 digest.
func isContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// loadTree fetches a message skeleton, going through the local cache first
// and filling it on the way back. Store reads are retried with backoff; a
// missing object short-circuits.
func (s *Server) loadTree(ctx context.Context, hash string) (*mimetree.Node, error) {
	key := helpers.NewMessageKey(hash)

	if s.cache != nil {
		if data, err := s.cache.Get(key); err == nil {
			var tree mimetree.Node
			if err := json.Unmarshal(data, &tree); err == nil {
				return &tree, nil
			}
			// Corrupt cache entry; drop it and fall through to the store.
			_ = s.cache.Delete(key)
		}
	}

	var data []byte
	err := retry.WithRetryAdvanced(ctx, func() error {
		rc, err := s.store.Get(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				return retry.Stop(err)
			}
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		if err != nil && storage.IsNotFound(err) {
			return retry.Stop(err)
		}
		return err
	}, s.retryConfig)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(key, data); err != nil && !errors.Is(err, cache.ErrObjectTooLarge) {
			log.Printf("HTTP API: Failed to cache skeleton %s: %v", hash, err)
		}
	}

	var tree mimetree.Node
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode skeleton %s: %w", hash, err)
	}
	return &tree, nil
}

// Request/Response types

type IngestResponse struct {
	Hash              string `json:"hash"`
	Size              int64  `json:"size"`
	RawSize           int64  `json:"raw_size,omitempty"`
	PartCount         int    `json:"part_count"`
	PartsExternalized int    `json:"parts_externalized"`
	Deduped           bool   `json:"deduped"`
}

type MessageResponse struct {
	Hash          string             `json:"hash"`
	Size          int64              `json:"size"`
	PartCount     int                `json:"part_count"`
	Envelope      *imap.Envelope     `json:"envelope"`
	BodyStructure imap.BodyStructure `json:"body_structure"`
	Preview       string             `json:"preview,omitempty"`
}

type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Handler functions

func (s *Server) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.IngestsTotal.WithLabelValues("rejected").Inc()
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Message exceeds the %d byte limit", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "Empty message body")
		return
	}

	tree, err := mimetree.Parse(raw)
	if err != nil {
		metrics.IngestsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusUnprocessableEntity, "Failed to parse message")
		return
	}

	// The canonical rebuilt form is what GET .../raw serves, so the
	// content address is computed over those bytes, not the received ones.
	canonical, err := indexer.BufferContent(s.indexer.Rebuild(ctx, tree, false))
	if err != nil {
		log.Printf("HTTP API: Error canonicalizing message: %v", err)
		metrics.IngestsTotal.WithLabelValues("failure").Inc()
		s.writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	hash := storage.ContentHash(canonical)
	key := helpers.NewMessageKey(hash)

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		log.Printf("HTTP API: Error checking message %s: %v", hash, err)
		metrics.IngestsTotal.WithLabelValues("failure").Inc()
		s.writeError(w, http.StatusInternalServerError, "Failed to check for existing message")
		return
	}
	if exists {
		metrics.IngestsTotal.WithLabelValues("deduped").Inc()
		s.writeJSON(w, http.StatusOK, IngestResponse{
			Hash:      hash,
			Size:      int64(len(canonical)),
			PartCount: tree.PartCount(),
			Deduped:   true,
		})
		return
	}

	stored, err := s.externalizer.Externalize(ctx, tree)
	if err != nil {
		log.Printf("HTTP API: Error externalizing message %s: %v", hash, err)
		metrics.IngestsTotal.WithLabelValues("failure").Inc()
		s.writeError(w, http.StatusInternalServerError, "Failed to store attachment content")
		return
	}

	skeleton, err := json.Marshal(tree)
	if err != nil {
		log.Printf("HTTP API: Error encoding skeleton %s: %v", hash, err)
		metrics.IngestsTotal.WithLabelValues("failure").Inc()
		s.writeError(w, http.StatusInternalServerError, "Failed to encode message skeleton")
		return
	}

	if err := s.store.Put(ctx, key, bytes.NewReader(skeleton), int64(len(skeleton))); err != nil {
		log.Printf("HTTP API: Error storing skeleton %s: %v", hash, err)
		metrics.IngestsTotal.WithLabelValues("failure").Inc()
		s.writeError(w, http.StatusInternalServerError, "Failed to store message skeleton")
		return
	}

	if s.cache != nil {
		if err := s.cache.Put(key, skeleton); err != nil && !errors.Is(err, cache.ErrObjectTooLarge) {
			log.Printf("HTTP API: Failed to cache skeleton %s: %v", hash, err)
		}
	}

	metrics.IngestsTotal.WithLabelValues("success").Inc()
	metrics.IngestBytesTotal.Add(float64(len(raw)))

	s.writeJSON(w, http.StatusCreated, IngestResponse{
		Hash:              hash,
		Size:              int64(len(canonical)),
		RawSize:           int64(len(raw)),
		PartCount:         tree.PartCount(),
		PartsExternalized: len(stored),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !isContentHash(hash) {
		s.writeError(w, http.StatusBadRequest, "Invalid message hash")
		return
	}
	ctx := r.Context()

	tree, err := s.loadTree(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error loading message %s: %v", hash, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	s.writeJSON(w, http.StatusOK, MessageResponse{
		Hash:          hash,
		Size:          indexer.EstimateSize(tree, false),
		PartCount:     tree.PartCount(),
		Envelope:      envelope.Extract(tree),
		BodyStructure: bodystructure.Extract(tree, true),
		Preview:       bodystructure.TextPreview(tree, previewLength),
	})
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !isContentHash(hash) {
		s.writeError(w, http.StatusBadRequest, "Invalid message hash")
		return
	}
	ctx := r.Context()

	tree, err := s.loadTree(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error loading message %s: %v", hash, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	res := s.indexer.Rebuild(ctx, tree, false)
	defer res.Reader.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	if _, err := io.Copy(w, res.Reader); err != nil {
		// Headers are already written; all we can do is cut the stream.
		log.Printf("HTTP API: Streaming message %s failed: %v", hash, err)
	}
}

func (s *Server) handleGetSection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !isContentHash(hash) {
		s.writeError(w, http.StatusBadRequest, "Invalid message hash")
		return
	}
	ctx := r.Context()

	query := r.URL.Query()
	offset := int64(0)
	length := int64(-1)
	if v := query.Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid offset parameter")
			return
		}
		offset = n
	}
	if v := query.Get("length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid length parameter")
			return
		}
		length = n
	}

	var fields []string
	for _, name := range strings.Split(query.Get("fields"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			fields = append(fields, name)
		}
	}

	tree, err := s.loadTree(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error loading message %s: %v", hash, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	sel := indexer.ParseSelector(query.Get("path"), query.Get("type"), fields)
	content := s.indexer.Select(ctx, tree, sel)

	// A partial request has to materialize the section before slicing.
	if offset > 0 || length >= 0 {
		data, err := indexer.BufferContent(content)
		if err != nil {
			log.Printf("HTTP API: Error reading section of %s: %v", hash, err)
			s.writeError(w, http.StatusInternalServerError, "Failed to read section")
			return
		}
		data = partialSlice(data, offset, length)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	switch res := content.(type) {
	case *indexer.Streamed:
		defer res.Reader.Close()
		w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
		if _, err := io.Copy(w, res.Reader); err != nil {
			log.Printf("HTTP API: Streaming section of %s failed: %v", hash, err)
		}
	case *indexer.Buffered:
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
		w.Write(res.Data)
	}
}

// partialSlice applies an IMAP style <offset.length> window to data.
func partialSlice(data []byte, offset, length int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	data = data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return data
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !isContentHash(hash) {
		s.writeError(w, http.StatusBadRequest, "Invalid message hash")
		return
	}
	ctx := r.Context()

	key := helpers.NewMessageKey(hash)
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		log.Printf("HTTP API: Error checking message %s: %v", hash, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to check message")
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, "Message not found")
		return
	}

	// Attachment objects are shared by content addressing and stay behind;
	// only the skeleton is removed.
	if err := s.store.Delete(ctx, key); err != nil {
		log.Printf("HTTP API: Error deleting message %s: %v", hash, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}
	if s.cache != nil {
		_ = s.cache.Delete(key)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hash":    hash,
		"deleted": true,
	})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	prefix := r.URL.Query().Get("prefix")
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	objectCh, errCh := s.store.ListObjects(ctx, prefix, true)

	objects := []ObjectInfo{}
	truncated := false
	for obj := range objectCh {
		if len(objects) >= limit {
			truncated = true
			cancel()
			break
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	if err := <-errCh; err != nil && !truncated {
		log.Printf("HTTP API: Error listing objects: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list objects")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"objects":   objects,
		"count":     len(objects),
		"truncated": truncated,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	objectCount, totalSize, err := s.cache.GetStats()
	if err != nil {
		log.Printf("HTTP API: Error getting cache stats: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object_count": objectCount,
		"total_size":   totalSize,
	})
}

func (s *Server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.GetMetrics())
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	ctx := r.Context()

	countBefore, sizeBefore, err := s.cache.GetStats()
	if err != nil {
		log.Printf("HTTP API: Error getting cache stats before purge: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats before purge")
		return
	}

	if err := s.cache.PurgeAll(ctx); err != nil {
		log.Printf("HTTP API: Error purging cache: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to purge cache")
		return
	}

	countAfter, sizeAfter, err := s.cache.GetStats()
	if err != nil {
		log.Printf("HTTP API: Error getting cache stats after purge: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats after purge")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Cache purged successfully",
		"stats_before": map[string]int64{
			"object_count": countBefore,
			"total_size":   sizeBefore,
		},
		"stats_after": map[string]int64{
			"object_count": countAfter,
			"total_size":   sizeAfter,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		log.Printf("HTTP API: Health check failed: %v", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"s3":     err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}
