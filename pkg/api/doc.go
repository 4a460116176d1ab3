/*
Package api is the scheduler's RPC surface: a thin translation layer between
operator requests and the core engine.

Every operation returns a Response carrying a code (OK, INVALID_REQUEST,
AUTH_FAILED, ERROR, WARNING) and an operator-safe message. Handlers run
inside a middleware pipeline (panic recovery, structured request logging);
cross-cutting concerns compose as decorators rather than inheritance.

Mutating operations authenticate the session against the roles they touch —
the ROOT capability bypasses role checks but is audited — and pass the
caller's held lock token through the lock manager before proceeding. The
wire protocol itself lives outside this package; callers hand in already
decoded requests.
*/
package api
