// Package testutil provides fixtures and helpers shared by the package tests:
// a controllable clock, PKCE pairs, bcrypt hashes at minimum cost, and
// ready-made clients, principals and codes.
package testutil
