// Package commands turns chat messages into disconnect registry operations.
//
// Messages are matched against a prefix and a small alias table, wrapped in
// a middleware chain (panic recovery, request logging, access control,
// timeout) and run on a bounded worker pool.
package commands
