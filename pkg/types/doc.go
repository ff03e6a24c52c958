/*
Package types defines the core domain entities shared across Sanctuary
packages: agents and their lifecycle status, snapshots, auth challenges,
attestations, resurrection events, heartbeats, and trust scores.

Types here are plain data with no behavior beyond small accessors, so that
storage backends, the API layer, and the engines can share them without
import cycles.
*/
package types
