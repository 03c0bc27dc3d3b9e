// Package auth provides shared API key authentication for the gRPC and HTTP APIs.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// APIKeyHeader is the metadata key for API key authentication
	APIKeyHeader = "x-api-key"
)

// APIKeyInterceptor checks callers against a fixed set of API keys. With no
// keys configured every call is allowed.
type APIKeyInterceptor struct {
	keys        [][]byte
	skipMethods map[string]bool
	skipPaths   map[string]bool
}

// NewAPIKeyInterceptor creates a new API key interceptor
func NewAPIKeyInterceptor(keys []string) *APIKeyInterceptor {
	i := &APIKeyInterceptor{
		skipMethods: map[string]bool{
			// Health check endpoints
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
			"/metrics": true,
		},
	}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			i.keys = append(i.keys, []byte(k))
		}
	}
	return i
}

// Enabled reports whether any key is configured.
func (i *APIKeyInterceptor) Enabled() bool {
	return len(i.keys) > 0
}

// WithSkipMethods adds full gRPC method names that skip authentication
func (i *APIKeyInterceptor) WithSkipMethods(methods ...string) *APIKeyInterceptor {
	for _, method := range methods {
		if method = strings.TrimSpace(method); method != "" {
			i.skipMethods[method] = true
		}
	}
	return i
}

// UnaryInterceptor returns a gRPC unary interceptor for API key validation
func (i *APIKeyInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if err := i.checkMetadata(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for API key validation
func (i *APIKeyInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		if err := i.checkMetadata(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware returns an HTTP middleware reading the key from the X-API-Key header.
func (i *APIKeyInterceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Enabled() || i.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !i.valid(r.Header.Get(APIKeyHeader)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "REJECTED",
				"error":  "missing or invalid API key",
				"reason": "unauthenticated",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (i *APIKeyInterceptor) checkMetadata(ctx context.Context) error {
	apiKey, err := extractAPIKey(ctx)
	if err != nil {
		return err
	}
	if !i.valid(apiKey) {
		return status.Error(codes.Unauthenticated, "invalid API key")
	}
	return nil
}

func (i *APIKeyInterceptor) valid(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false
	}
	for _, k := range i.keys {
		if subtle.ConstantTimeCompare(k, []byte(apiKey)) == 1 {
			return true
		}
	}
	return false
}

// extractAPIKey extracts the API key from gRPC metadata
func extractAPIKey(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(APIKeyHeader)
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing API key")
	}

	apiKey := strings.TrimSpace(values[0])
	if apiKey == "" {
		return "", status.Error(codes.Unauthenticated, "empty API key")
	}

	return apiKey, nil
}
