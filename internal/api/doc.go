// Package api serves the concurrency limit admission API over HTTP with gin.
//
// Routes:
//
//	POST   /concurrency_limits/                  create a limit
//	POST   /concurrency_limits/filter            list limits
//	GET    /concurrency_limits/tag/:tag          read a limit
//	POST   /concurrency_limits/tag/:tag/reset    reset active slots
//	DELETE /concurrency_limits/tag/:tag          delete a limit
//	GET    /concurrency_limits/tag/:tag/releases recent slot releases (?limit=N)
//	POST   /concurrency_limits/increment         take slots (423 when full)
//	POST   /concurrency_limits/decrement         release slots
//	GET    /metrics                              Prometheus exposition
//	GET    /health                               liveness
//
// Errors are returned as {"detail": "..."}.
package api
