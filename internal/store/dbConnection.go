// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/puppycorp/puppylog/pkg/log"
	"github.com/qustavo/sqlhooks/v2"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

// DBConnection wraps the single sqlite connection the metadata store uses.
type DBConnection struct {
	DB *sqlx.DB
}

// Connect opens the sqlite metadata store at path db, runs pending schema
// migrations and caches the connection. Safe to call more than once; only
// the first call opens a connection.
func Connect(db string) error {
	var err error
	dbConnOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))

		var dbHandle *sqlx.DB
		dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", db))
		if err != nil {
			return
		}

		// sqlite does not multithread writers; one connection avoids
		// waiting on SQLITE_BUSY from competing writers inside the
		// process.
		dbHandle.SetMaxOpenConns(1)

		dbConnInstance = &DBConnection{DB: dbHandle}
		err = MigrateUp(db)
	})
	return err
}

// GetConnection returns the process-wide metadata store connection. Exits
// the process via log.Fatal if Connect has not succeeded yet; this singleton must be wired at
// startup before anything calls GetConnection.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatal("store: database connection not initialized, call store.Connect first")
	}

	return dbConnInstance
}
