// Package health checks connectivity and latency of named network services.
package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
)

// Service kinds understood by NewChecker
const (
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindMongoDB  = "mongodb"
	KindTCP      = "tcp"
)

// DefaultTimeout bounds one check cycle of a service
const DefaultTimeout = 5 * time.Second

var defaultPorts = map[string]int{
	KindRedis:    6379,
	KindPostgres: 5432,
	KindMySQL:    3306,
	KindMongoDB:  27017,
}

// DefaultPort returns the well-known port of a kind, or 0 when it has none.
func DefaultPort(kind string) int {
	return defaultPorts[NormalizeKind(kind)]
}

// NormalizeKind maps accepted aliases onto the canonical kind names.
func NormalizeKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "postgresql", "pg":
		return KindPostgres
	case "mongo":
		return KindMongoDB
	default:
		return k
	}
}

// Checker performs one connectivity check. Check must honor ctx; the
// orchestrator abandons calls that do not.
type Checker interface {
	Kind() string
	Check(ctx context.Context) error
	Close() error
}

// ServiceConfig describes one monitored service
type ServiceConfig struct {
	ID       string
	Kind     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	URL      string // overrides Host/Port when set
	Timeout  time.Duration
	Retries  int
}

// Addr returns host:port, filling in defaults.
func (c ServiceConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort(c.Kind)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Validate checks the fields a checker needs.
func (c ServiceConfig) Validate() error {
	if c.ID == "" {
		return hubErrors.New(hubErrors.ErrConfig, "service has no id", "Give every service a unique id")
	}
	switch NormalizeKind(c.Kind) {
	case KindRedis, KindPostgres, KindMySQL, KindMongoDB:
	case KindTCP:
		if c.Port == 0 && c.URL == "" {
			return hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("service %s: tcp checks need a port", c.ID),
				"Set port for tcp services")
		}
	default:
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("service %s has unknown kind %q", c.ID, c.Kind),
			"Use one of: redis, postgres, mysql, mongodb, tcp")
	}
	if c.Port < 0 || c.Port > 65535 {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("service %s: port %d out of range", c.ID, c.Port),
			"Ports must be between 1 and 65535")
	}
	if c.Retries < 0 {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("service %s: retries must not be negative", c.ID), "")
	}
	return nil
}

// NewChecker builds the checker for a service kind. Drivers connect lazily,
// so construction never touches the network.
func NewChecker(cfg ServiceConfig) (Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch NormalizeKind(cfg.Kind) {
	case KindRedis:
		return NewRedisChecker(cfg)
	case KindPostgres:
		return NewPostgresChecker(cfg), nil
	case KindMySQL:
		return NewMySQLChecker(cfg)
	case KindMongoDB:
		return NewMongoChecker(cfg)
	default:
		return NewTCPChecker(cfg), nil
	}
}
