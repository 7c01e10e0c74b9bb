// Package httputil provides HTTP utilities for standardized request/response handling.
//
// Every error reply has the shape {"error": "..."}.
//
//	var req CreateRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//	httputil.WriteCreated(w, role)
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
