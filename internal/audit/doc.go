// Package audit records administrative operations on the gateway as
// structured events.
//
// Events are written as one JSON object per line to stdout, stderr or a
// file, and counted in the storegw_audit_events_total metric. Request,
// trace and span IDs are copied from the context when present.
//
// Example usage:
//
//	logger, err := audit.NewLogger("stdout", audit.WithMetrics(audit.NewMetrics("storegw", nil)))
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.LogEvent(ctx, audit.NewEvent(audit.EventTypeAdministrative, audit.ActionBreakerReset, audit.OutcomeSuccess).
//	    WithResource(&audit.Resource{Type: "circuit_breaker", ID: key}))
package audit
