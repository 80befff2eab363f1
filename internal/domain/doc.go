// Package domain defines the core value types for the outbound email dispatch engine.
//
// Types in this package are pure value objects with no database, queue or HTTP
// dependencies. They are the shared language between the dispatch service, the
// repositories and the API handlers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Validation and state helpers are allowed (they're pure functions on the type)
package domain
