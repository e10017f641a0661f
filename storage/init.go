////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package storage mirrors the message store and conversation summaries into
// an SQLite database so a session can be restored after a restart.
package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Mirror is the durable copy of the local state.
// NOTE: This model is NOT thread safe - it is the responsibility of the
// caller to ensure that its methods are called sequentially.
type Mirror struct {
	db *gorm.DB
}

// NewMirror opens the database at dbFilePath, creating the schema if needed.
// An empty path opens a private in-memory database.
func NewMirror(dbFilePath string) (*Mirror, error) {
	useTemporary := len(dbFilePath) == 0
	if useTemporary {
		dbFilePath = fmt.Sprintf(temporaryDbPath, uuid.NewString())
		jww.WARN.Printf("[SQL] No database file path specified! " +
			"Using temporary in-memory database")
	}

	// Create the database connection
	db, err := gorm.Open(sqlite.Open(dbFilePath), &gorm.Config{
		Logger: logger.New(jww.TRACE, logger.Config{LogLevel: logger.Info}),
	})
	if err != nil {
		return nil, errors.Errorf(
			"Unable to initialize database backend: %+v", err)
	}

	// Enable foreign keys because they are disabled in SQLite by default
	if err = db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	// Enable Write Ahead Logging to enable multiple DB connections
	if err = db.Exec("PRAGMA journal_mode = WAL;").Error; err != nil {
		return nil, err
	}

	// Get and configure the internal database ConnPool
	sqlDb, err := db.DB()
	if err != nil {
		return nil, errors.Errorf(
			"Unable to configure database connection pool: %+v", err)
	}

	if useTemporary {
		// An in-memory database is dropped with its last connection
		sqlDb.SetMaxOpenConns(1)
		sqlDb.SetConnMaxIdleTime(0)
		sqlDb.SetConnMaxLifetime(0)
	} else {
		sqlDb.SetMaxIdleConns(5)
		sqlDb.SetMaxOpenConns(10)
		sqlDb.SetConnMaxIdleTime(5 * time.Minute)
		sqlDb.SetConnMaxLifetime(10 * time.Minute)
	}

	// Initialize the database schema
	// WARNING: Order is important. Do not change without database testing
	err = db.AutoMigrate(&Conversation{}, &Message{})
	if err != nil {
		return nil, err
	}

	jww.INFO.Println("[SQL] Database backend initialized successfully!")
	return &Mirror{db: db}, nil
}

// Close releases the database connections.
func (m *Mirror) Close() error {
	sqlDb, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}
