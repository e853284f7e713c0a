// Package application resolves the hosted application from its
// module:attribute reference and wires it, behind the api middleware chain,
// into an HTTP server. It is what a worker process runs.
package application
