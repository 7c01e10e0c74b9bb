// Package audit records administrative RBAC mutations.
//
// The RBAC manager emits an AuditEvent for every mutation, with a failure status
// when the mutation was rejected. Delivery is fire-and-forget from the caller's point
// of view: wrap the sink in an AsyncLogger so a slow or failing sink never delays or
// fails the mutation.
//
//	sink := audit.NewMultiLogger(audit.NewLogrusLogger(os.Stdout))
//	logger := audit.NewAsyncLogger(sink, 1024, audit.WithDropHook(metrics.AuditEventsDropped.Inc))
//	defer logger.Close()
//
// S3Archiver keeps a durable copy as JSON-lines objects; querying and export of
// audit events belong to a separate service.
package audit
