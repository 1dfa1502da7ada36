// Package api holds the wire types and error mapping shared by the node's
// HTTP surfaces. Subpackages implement them:
//
//   - peerapi: node-to-node inventory paging, liveness and node info
//   - quoteapi: the external share quote endpoint
//   - adminapi: operator endpoints for peers, capsules, share ingest, audits and backups
//
// Each handler exposes RegisterRoutes(chi.Router) and is mounted by
// httpserver.Server. Each subpackage also ships the matching client.
package api
