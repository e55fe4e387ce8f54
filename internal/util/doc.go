// Package util holds small string helpers shared by the server packages:
// log-safe truncation and space-delimited scope handling.
package util
