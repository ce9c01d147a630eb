/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package sigcache remembers executable hashes across runs so a scan of
// every running process does not rehash unchanged binaries.
package sigcache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dwarfhack/memlayout/objfile"
)

// Cache is an objfile.Hasher backed by a sqlite database. Entries are keyed
// by absolute path and invalidated when size or modification time change.
type Cache struct {
	db   *sql.DB
	hash func(path string) (string, error)
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS
			hashes
		(
			path TEXT NOT NULL PRIMARY KEY,
			size INTEGER NOT NULL,
			mtime INTEGER NOT NULL,
			md5 TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &Cache{db: db, hash: objfile.MD5File}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) lookup(path string, size, mtime int64) (string, bool, error) {
	row := c.db.QueryRow(`
	SELECT
		md5
	FROM
		hashes
	WHERE
		path = ? AND size = ? AND mtime = ?`, path, size, mtime)

	var sum string
	err := row.Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return sum, true, nil
}

func (c *Cache) store(path string, size, mtime int64, sum string) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO
			hashes
				(
					path, size, mtime, md5
				)
		VALUES
				(?, ?, ?, ?)
	`, path, size, mtime, sum)
	return err
}

// HashFile returns the md5 of path, from the cache when the file is unchanged.
func (c *Cache) HashFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	size, mtime := fi.Size(), fi.ModTime().UnixNano()

	sum, ok, err := c.lookup(abs, size, mtime)
	if err != nil {
		log.WithError(err).Warn("hash cache lookup failed")
	} else if ok {
		log.WithField("path", abs).Debug("hash cache hit")
		return sum, nil
	}

	sum, err = c.hash(abs)
	if err != nil {
		return "", err
	}
	if err := c.store(abs, size, mtime, sum); err != nil {
		log.WithError(err).Warn("hash cache store failed")
	}
	return sum, nil
}

// Forget drops every cached hash.
func (c *Cache) Forget() error {
	_, err := c.db.Exec(`DELETE FROM hashes`)
	return err
}
