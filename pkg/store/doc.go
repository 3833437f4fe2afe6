// Package store persists uploaded assets and their embedding status in SQLite.
package store
