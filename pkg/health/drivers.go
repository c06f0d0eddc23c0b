package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	hubRedis "github.com/instancehub/instancehub/internal/redis"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ============================================
// Redis
// ============================================

// RedisChecker sends PING over a pooled go-redis client
type RedisChecker struct {
	client *hubRedis.Client
}

// NewRedisChecker creates a checker from URL or host/port settings
func NewRedisChecker(cfg ServiceConfig) (*RedisChecker, error) {
	if cfg.URL != "" {
		c, err := hubRedis.NewClientLazy(cfg.URL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return &RedisChecker{client: c}, nil
	}

	db := 0
	if cfg.Database != "" {
		n, err := strconv.Atoi(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("service %s: redis database must be a number: %w", cfg.ID, err)
		}
		db = n
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort(KindRedis)
	}
	opts := hubRedis.AddrOptions(cfg.Host, port, cfg.Password, db)
	opts.Username = cfg.User
	return &RedisChecker{client: hubRedis.NewClientFromOptions(opts, cfg.Timeout)}, nil
}

func (c *RedisChecker) Kind() string { return KindRedis }

// Check runs PING.
func (c *RedisChecker) Check(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"),
		strings.Contains(msg, "invalid password"):
		return authError(KindRedis, err)
	case strings.Contains(msg, "redis: invalid reply"), strings.Contains(msg, "can't parse"):
		return protocolError(KindRedis, err)
	}
	return err
}

// Close releases the connection pool.
func (c *RedisChecker) Close() error {
	return c.client.Close()
}

// ============================================
// PostgreSQL
// ============================================

// PostgresChecker opens a fresh pgx connection per check and pings it, so
// the result reflects the server accepting new sessions.
type PostgresChecker struct {
	connString string
}

// NewPostgresChecker creates a checker from URL or host/port settings
func NewPostgresChecker(cfg ServiceConfig) *PostgresChecker {
	if cfg.URL != "" {
		return &PostgresChecker{connString: cfg.URL}
	}

	user := cfg.User
	if user == "" {
		user = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, cfg.Password),
		Host:     cfg.Addr(),
		Path:     "/" + cfg.Database,
		RawQuery: fmt.Sprintf("connect_timeout=%d&sslmode=prefer", timeoutSeconds(cfg)),
	}
	if cfg.Password == "" {
		u.User = url.User(user)
	}
	return &PostgresChecker{connString: u.String()}
}

func (c *PostgresChecker) Kind() string { return KindPostgres }

// Check connects, pings and disconnects.
func (c *PostgresChecker) Check(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.connString)
	if err != nil {
		return classifyPostgres(err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if err := conn.Ping(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// Close is a no-op; connections do not outlive a check.
func (c *PostgresChecker) Close() error { return nil }

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000": // invalid_password, invalid_authorization_specification
			return authError(KindPostgres, err)
		case "08P01": // protocol_violation
			return protocolError(KindPostgres, err)
		}
	}
	return err
}

// ============================================
// MySQL
// ============================================

// MySQLChecker pings through database/sql with the go-sql-driver connector
type MySQLChecker struct {
	db *sql.DB
}

// NewMySQLChecker creates a checker from DSN or host/port settings
func NewMySQLChecker(cfg ServiceConfig) (*MySQLChecker, error) {
	dsn := cfg.URL
	if dsn == "" {
		mc := mysql.NewConfig()
		mc.User = cfg.User
		if mc.User == "" {
			mc.User = "root"
		}
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = cfg.Addr()
		mc.DBName = cfg.Database
		mc.Timeout = cfg.Timeout
		mc.ReadTimeout = cfg.Timeout
		mc.WriteTimeout = cfg.Timeout
		dsn = mc.FormatDSN()
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("service %s: invalid mysql dsn: %w", cfg.ID, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &MySQLChecker{db: db}, nil
}

func (c *MySQLChecker) Kind() string { return KindMySQL }

// Check runs PingContext.
func (c *MySQLChecker) Check(ctx context.Context) error {
	err := c.db.PingContext(ctx)
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045, 1044: // access denied for user / to database
			return authError(KindMySQL, err)
		}
	}
	if errors.Is(err, mysql.ErrMalformPkt) || errors.Is(err, mysql.ErrPktSync) {
		return protocolError(KindMySQL, err)
	}
	return err
}

// Close releases the connection pool.
func (c *MySQLChecker) Close() error {
	return c.db.Close()
}

// ============================================
// MongoDB
// ============================================

// mongoAuthFailed is the server's AuthenticationFailed error code
const mongoAuthFailed = 18

// MongoChecker pings the primary through a long-lived mongo client
type MongoChecker struct {
	client *mongo.Client
}

// NewMongoChecker creates a checker from URI or host/port settings
func NewMongoChecker(cfg ServiceConfig) (*MongoChecker, error) {
	uri := cfg.URL
	if uri == "" {
		u := url.URL{Scheme: "mongodb", Host: cfg.Addr(), Path: "/"}
		if cfg.User != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		}
		if cfg.Database != "" {
			u.RawQuery = "authSource=" + url.QueryEscape(cfg.Database)
		}
		uri = u.String()
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(cfg.Timeout).
		SetConnectTimeout(cfg.Timeout).
		SetMaxPoolSize(1)

	// Connect only validates options; dialing happens on first use
	client, err := mongo.Connect(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("service %s: invalid mongodb uri: %w", cfg.ID, err)
	}
	return &MongoChecker{client: client}, nil
}

func (c *MongoChecker) Kind() string { return KindMongoDB }

// Check pings the primary.
func (c *MongoChecker) Check(ctx context.Context) error {
	err := c.client.Ping(ctx, readpref.Primary())
	if err == nil {
		return nil
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == mongoAuthFailed {
		return authError(KindMongoDB, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "authentication failed") {
		return authError(KindMongoDB, err)
	}
	return err
}

// Close disconnects the client.
func (c *MongoChecker) Close() error {
	return c.client.Disconnect(context.Background())
}

// ============================================
// TCP
// ============================================

// TCPChecker only opens and closes a TCP connection
type TCPChecker struct {
	addr   string
	dialer net.Dialer
}

// NewTCPChecker creates a dial-only checker
func NewTCPChecker(cfg ServiceConfig) *TCPChecker {
	addr := cfg.Addr()
	if cfg.URL != "" {
		addr = cfg.URL
	}
	return &TCPChecker{addr: addr}
}

func (c *TCPChecker) Kind() string { return KindTCP }

// Check dials the address.
func (c *TCPChecker) Check(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close is a no-op.
func (c *TCPChecker) Close() error { return nil }

func timeoutSeconds(cfg ServiceConfig) int {
	s := int(cfg.Timeout.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

var (
	_ Checker = (*RedisChecker)(nil)
	_ Checker = (*PostgresChecker)(nil)
	_ Checker = (*MySQLChecker)(nil)
	_ Checker = (*MongoChecker)(nil)
	_ Checker = (*TCPChecker)(nil)
)
