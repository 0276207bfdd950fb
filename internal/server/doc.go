// Package server hosts the Fiber application that fronts the cached app: the
// middleware chain (panic recovery, request IDs, JSON errors), the catch-all
// route that hands intercepted requests to a ProxyHandler, and the shared
// HTTP client used to reach the origin. Diagnostics live under /-/ and are
// registered by the routes subpackage.
package server
