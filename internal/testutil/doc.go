// Package testutil provides testing utilities and helpers for the
// oauth2-server library.
package testutil
