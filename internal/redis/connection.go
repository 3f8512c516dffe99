// Package redis holds the redigo connection pool shared by the Redis broker
// and the Redis statistics backend.
package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/gomodule/redigo/redis"
)

// Config holds connection pool settings
type Config struct {
	// URI is redis://, rediss:// or unix:///path
	URI string

	MaxActive      int
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS options; rediss:// always enables TLS
	TLSSkipVerify bool
	TLSCertPath   string
}

// DefaultConfig returns pool settings suitable for a single worker process
func DefaultConfig() Config {
	return Config{
		URI:            "redis://localhost:6379/0",
		MaxActive:      20,
		MaxIdle:        5,
		IdleTimeout:    240 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// NewPool creates a lazily dialing connection pool
func NewPool(cfg Config) *redis.Pool {
	return &redis.Pool{
		MaxActive:   cfg.MaxActive,
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return Dial(cfg)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping borrows a connection and checks the server answers
func Ping(pool *redis.Pool) error {
	conn := pool.Get()
	defer conn.Close()

	_, err := conn.Do("PING")
	return err
}

// Dial opens a single connection described by cfg
func Dial(cfg Config) (redis.Conn, error) {
	uri, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, errors.NewConnectionError(cfg.URI, fmt.Errorf("invalid URI: %w", err))
	}

	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(cfg.ConnectTimeout),
		redis.DialReadTimeout(cfg.ReadTimeout),
		redis.DialWriteTimeout(cfg.WriteTimeout),
	}

	var conn redis.Conn
	switch uri.Scheme {
	case "redis", "rediss":
		if uri.Scheme == "rediss" {
			tlsConfig, err := newTLSConfig(cfg)
			if err != nil {
				return nil, errors.NewConnectionError(cfg.URI, err)
			}
			dialOptions = append(dialOptions, redis.DialTLSConfig(tlsConfig))
		}
		conn, err = redis.DialURL(cfg.URI, dialOptions...)
	case "unix":
		conn, err = redis.Dial("unix", uri.Path, dialOptions...)
	default:
		return nil, errors.NewConnectionError(cfg.URI, fmt.Errorf("unsupported scheme %q", uri.Scheme))
	}
	if err != nil {
		return nil, errors.NewConnectionError(cfg.URI, fmt.Errorf("failed to connect: %w", err))
	}

	return conn, nil
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.TLSCertPath == "" {
		return tlsConfig, nil
	}

	pool, err := loadCertPool(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func loadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("no certificates found in %q", certPath)
	}

	return rootCAs, nil
}
