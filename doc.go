// Package coda provides a local-first coding agent server.
//
// Coda runs entirely on your machine: models are served by a local
// runtime (Ollama by default), conversations and workspaces live in an
// embedded SQLite store, and retrieval runs against an embedded vector
// database. Nothing leaves the host unless you point a provider at a
// remote endpoint yourself.
//
// # Quick Start
//
// Install coda:
//
//	go install github.com/kadirpekel/coda/cmd/coda@latest
//
// Start the session server:
//
//	coda serve --config coda.yaml
//
// Or chat against the current directory without the server:
//
//	coda chat
//
// # Packages
//
// The pieces compose through small interfaces and can be used as a
// library:
//
//	import (
//	    "github.com/kadirpekel/coda/pkg/agent"   // session runtime and tool loop
//	    "github.com/kadirpekel/coda/pkg/model"   // model manager and lifecycle
//	    "github.com/kadirpekel/coda/pkg/rag"     // chunking, indexing, watching
//	    "github.com/kadirpekel/coda/pkg/ace"     // playbook learning
//	    "github.com/kadirpekel/coda/pkg/runtime" // composition root
//	)
//
// The runtime package wires everything from a single Config; see
// cmd/coda for the reference composition.
package coda
