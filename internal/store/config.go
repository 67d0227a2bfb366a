// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

// Config holds configuration for metadata store operations.
// All fields have sensible defaults, so this configuration is optional.
type Config struct {
	// CleanupDeleteCount is the batch size used when deleting consumed
	// orphan/compacted segments from the catalog in one transaction.
	// Default: 256
	CleanupDeleteCount int

	// BucketLogLimit bounds the size of a bucket's FIFO of recent matches.
	// Default: 1000
	BucketLogLimit int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		CleanupDeleteCount: 256,
		BucketLogLimit:     1000,
	}
}

var storeConfig *Config = DefaultConfig()

// SetConfig overrides the package-level configuration. Must be called
// before Connect.
func SetConfig(cfg *Config) {
	if cfg != nil {
		storeConfig = cfg
	}
}

// GetConfig returns the current store configuration.
func GetConfig() *Config {
	return storeConfig
}
