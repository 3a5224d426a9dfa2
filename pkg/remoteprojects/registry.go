// Package remoteprojects keeps track of the remote project sessions that are
// reachable through an open tunnel.
package remoteprojects

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brevdev/remote-connect/pkg/errors"
)

const (
	defaultHeartbeatPath = "/heartbeat"
	defaultTimeout       = 10 * time.Second
)

// ConnectionParams describes how to reach a remote server.
type ConnectionParams struct {
	Host         string
	Port         int
	Cwd          string
	DisplayTitle string
	// ServerName is the name the server certificate was issued for. Empty
	// means Host.
	ServerName string

	CertificateAuthorityCertificate string
	ClientCertificate               string
	ClientKey                       string
}

// Key identifies a session. Two FindOrCreate calls with the same key share a
// session.
func (p ConnectionParams) Key() string {
	return fmt.Sprintf("%s:%d:%s", p.Host, p.Port, p.Cwd)
}

func (p ConnectionParams) serverName() string {
	if p.ServerName != "" {
		return p.ServerName
	}
	return p.Host
}

func (p ConnectionParams) hasCredentials() bool {
	return p.CertificateAuthorityCertificate != "" || p.ClientCertificate != "" || p.ClientKey != ""
}

func (p ConnectionParams) String() string {
	return fmt.Sprintf("ConnectionParams{host:%s port:%d cwd:%s title:%q tls:%t}",
		p.Host, p.Port, p.Cwd, p.DisplayTitle, p.hasCredentials())
}

// Session is a registered remote project connection.
type Session struct {
	Key          string
	Host         string
	Port         int
	Cwd          string
	DisplayTitle string
	Secure       bool
	CreatedAt    time.Time

	client *resty.Client
}

// Client is the HTTP client configured for this session's server.
func (s *Session) Client() *resty.Client {
	return s.client
}

// ClientFactory builds the HTTP client used to talk to a server.
type ClientFactory func(params ConnectionParams) (*resty.Client, error)

// Registry is the in-memory remote projects service.
type Registry struct {
	HeartbeatPath string
	NewClient     ClientFactory
	Log           *zap.Logger
	Now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	inflight singleflight.Group
}

func NewRegistry(heartbeatPath string, log *zap.Logger) *Registry {
	return &Registry{
		HeartbeatPath: heartbeatPath,
		NewClient:     NewClientFactory(defaultTimeout),
		Log:           log,
	}
}

// FindOrCreate returns the existing session for params.Key() or verifies the
// server answers a heartbeat and registers a new one. Concurrent calls for the
// same key share one verification.
func (r *Registry) FindOrCreate(ctx context.Context, params ConnectionParams) (*Session, error) {
	if params.Host == "" || params.Port <= 0 {
		return nil, errors.NewValidationError("host and port are required")
	}
	key := params.Key()

	if s, ok := r.lookup(key); ok {
		r.logger().Debug("reusing session", zap.String("key", key))
		return s, nil
	}

	v, err, _ := r.inflight.Do(key, func() (interface{}, error) {
		if s, ok := r.lookup(key); ok {
			return s, nil
		}
		s, err := r.create(ctx, params)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.sessions == nil {
			r.sessions = map[string]*Session{}
		}
		r.sessions[key] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // message is shown to the user verbatim
	}
	return v.(*Session), nil
}

func (r *Registry) create(ctx context.Context, params ConnectionParams) (*Session, error) {
	factory := r.NewClient
	if factory == nil {
		factory = NewClientFactory(defaultTimeout)
	}
	client, err := factory(params)
	if err != nil {
		return nil, err
	}

	path := r.HeartbeatPath
	if path == "" {
		path = defaultHeartbeatPath
	}
	log := r.logger().With(zap.Stringer("params", params))
	resp, err := client.R().SetContext(ctx).Get(path)
	if err != nil {
		log.Warn("heartbeat failed", zap.Error(err))
		return nil, errors.Errorf("server at %s:%d is not reachable: %w", params.Host, params.Port, err)
	}
	if resp.IsError() {
		body := strings.TrimSpace(resp.String())
		log.Warn("heartbeat rejected", zap.Int("status", resp.StatusCode()))
		if body != "" {
			return nil, errors.Errorf("server at %s:%d rejected the connection: %s: %s", params.Host, params.Port, resp.Status(), body)
		}
		return nil, errors.Errorf("server at %s:%d rejected the connection: %s", params.Host, params.Port, resp.Status())
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	log.Info("session registered")
	return &Session{
		Key:          params.Key(),
		Host:         params.Host,
		Port:         params.Port,
		Cwd:          params.Cwd,
		DisplayTitle: params.DisplayTitle,
		Secure:       params.hasCredentials(),
		CreatedAt:    now(),
		client:       client,
	}, nil
}

func (r *Registry) lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Sessions lists registered sessions ordered by key.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := lo.Keys(r.sessions)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) *Session {
		return r.sessions[k]
	})
}

// Release forgets s if it is still the session registered under its key. A
// session that was replaced by a later registration is left alone.
func (r *Registry) Release(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.Key)
	return true
}

func (r *Registry) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.L()
}

// NewClientFactory returns the production ClientFactory. Servers are reached
// over https when any credential is present and over plain http otherwise.
const heartbeatRetries = 3

func NewClientFactory(timeout time.Duration) ClientFactory {
	return func(params ConnectionParams) (*resty.Client, error) {
		// The forward may still be coming up when the first probe goes out.
		client := resty.New().
			SetTimeout(timeout).
			SetRetryCount(heartbeatRetries).
			SetRetryWaitTime(250 * time.Millisecond).
			SetRetryMaxWaitTime(time.Second)
		scheme := "http"
		if params.hasCredentials() {
			cfg, err := TLSConfig(params)
			if err != nil {
				return nil, err
			}
			client.SetTLSClientConfig(cfg)
			scheme = "https"
		}
		client.SetBaseURL(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(params.Host, strconv.Itoa(params.Port))))
		return client, nil
	}
}

// TLSConfig trusts only the exchanged CA and presents the exchanged client
// certificate.
func TLSConfig(params ConnectionParams) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: params.serverName(),
		MinVersion: tls.VersionTLS12,
	}
	if params.CertificateAuthorityCertificate != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(params.CertificateAuthorityCertificate)) {
			return nil, errors.New("certificate authority certificate is not valid PEM")
		}
		cfg.RootCAs = pool
	}
	if params.ClientCertificate != "" || params.ClientKey != "" {
		pair, err := tls.X509KeyPair([]byte(params.ClientCertificate), []byte(params.ClientKey))
		if err != nil {
			return nil, fmt.Errorf("client certificate and key do not form a valid pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
