// Package sqlite implements identity verification storage over SQLite.
package sqlite
