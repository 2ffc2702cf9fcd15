/*
Package config loads and validates checkpoint saver configuration.

# Overview

Configuration is read from a YAML or JSON file, overridden by
SAFECHECKPOINT_* environment variables, and validated before use:

	cfg, err := config.Load("safecheckpoint.yaml")
	if err != nil {
	    log.Fatal(err)
	}

An empty path starts from Default. LoadDotEnv loads a .env file into the
environment first if one is wanted.

# File Format

	backend: sqlite          # memory | sqlite | badger | postgres
	sqlite:
	  path: ./checkpoints.db
	badger:
	  path: ./checkpoints.badger
	  sync_writes: true
	  gc_interval: 5m        # or seconds: 300
	  gc_discard_ratio: 0.5
	postgres:
	  dsn: postgres://localhost/app
	  table: checkpoints
	serializer:
	  codec: json            # json | msgpack
	  compression: none      # none | zstd
	normalizer:
	  fallback: hash         # hash | constant
	logging:
	  level: info
	  format: text

# Type Coercion

Files are decoded into a map and read through Values, whose accessors
return the default when a key is missing or has the wrong type. Durations
accept a time.ParseDuration string or a number of seconds.

# Environment

	SAFECHECKPOINT_BACKEND, SAFECHECKPOINT_SQLITE_PATH, SAFECHECKPOINT_SQLITE_TABLE,
	SAFECHECKPOINT_BADGER_PATH, SAFECHECKPOINT_BADGER_IN_MEMORY,
	SAFECHECKPOINT_BADGER_SYNC_WRITES, SAFECHECKPOINT_BADGER_GC_INTERVAL,
	SAFECHECKPOINT_POSTGRES_DSN, SAFECHECKPOINT_POSTGRES_TABLE,
	SAFECHECKPOINT_CODEC, SAFECHECKPOINT_COMPRESSION, SAFECHECKPOINT_FALLBACK,
	SAFECHECKPOINT_LOG_LEVEL, SAFECHECKPOINT_LOG_FORMAT
*/
package config
