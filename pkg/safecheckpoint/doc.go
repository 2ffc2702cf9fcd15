/*
Package safecheckpoint provides checkpoint persistence whose channel version
markers are always integers.

# Overview

Orchestration engines stamp every channel in a checkpoint with a version
marker and compare markers to decide which nodes to run next. Depending on
the engine release and the serializer in use, markers arrive as integers,
integer strings, float strings ("3.0") or dotted composites
("00000000000000000000000000000002.0.243798848838515"). Comparing an int
with a string fails, and the failure surfaces far from its cause.

safecheckpoint wraps a checkpoint store so every marker written or read is
normalized to an int64:

	cfg, err := config.Load("safecheckpoint.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	saver, err := safecheckpoint.Open(ctx, cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer saver.Close()

	key := checkpoint.Key{ThreadID: "thread-1"}
	cp := checkpoint.New(values, map[string]any{
	    "__start__": "00000000000000000000000000000002.0.243798848838515",
	    "messages":  1,
	})
	if _, err := saver.Put(ctx, key, cp, nil, nil); err != nil {
	    log.Fatal(err)
	}

	latest, _ := saver.Get(ctx, key)
	versions, _ := latest.Versions() // {"__start__": 2, "messages": 1}

# Normalization Rules

In precedence order:
  - native integers pass through
  - strings containing '.' use the integer before the first dot
  - integer strings are parsed
  - the empty string is 0
  - anything else maps to a stable fallback: a hash of the string for
    unparseable strings, 1 for other types (or 1 for everything with the
    constant strategy)

Normalization never fails and is idempotent. See package version.

# Packages

  - version: the normalizer
  - checkpoint: the Saver contract, backends and TypeSafeSaver
  - serde: blob codecs and compression
  - config: file and environment configuration
  - observability: slog helpers and OpenTelemetry hooks
*/
package safecheckpoint
