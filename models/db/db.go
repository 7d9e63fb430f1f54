// Shared database connection for the archive and build job queries.
package db

import (
	"database/sql"
	"sync"
)

var mu sync.Mutex

// Conn is the connection used by every prepared statement in the models
// packages. Assign it through a Connector before calling any Setup.
var Conn *sql.DB

// A Connector opens a Postgres connection pool with the given number of
// connections and assigns it to Conn.
type Connector interface {
	Connect(conn *sql.DB, dbConns int) error
}

// Connected returns true if a connection exists to the database.
func Connected() bool {
	mu.Lock()
	defer mu.Unlock()
	return Conn != nil
}

// Close tears down the shared connection. Only short-lived commands should
// call this; the server and worker hold their pools until exit.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if Conn == nil {
		return nil
	}
	err := Conn.Close()
	Conn = nil
	return err
}
