// Package docstore implements the DocumentStore port the CDC materializer
// writes to. Redis is the primary backend; a Cassandra-backed alternative
// and an in-memory store (for tests and local runs) are selectable through
// the same port.
package docstore

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection backing the document store.
type Options struct {
	// Address of the Redis server (cluster).
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
}

// DefaultOptions for a local Redis.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "",
		DB:       0,
	}
}

// Connection wraps a Redis client and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated returns true if the connection instance is valid.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection creates a singleton connection and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}

	connection = &Connection{
		Client: redis.NewClient(&redis.Options{
			TLSConfig: options.TLSConfig,
			Addr:      options.Address,
			Password:  options.Password,
			DB:        options.DB,
		}),
		Options: options,
	}
	return connection, nil
}

// CloseConnection closes the singleton connection if open.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Client.Close()
	connection = nil
	return err
}
