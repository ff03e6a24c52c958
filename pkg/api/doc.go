// Package api is the HTTP surface of the daemon: request decoding, bearer
// auth enforcement, and mapping of error kinds to status codes. All domain
// logic lives in the service packages it dispatches to.
package api
