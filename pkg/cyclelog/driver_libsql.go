//go:build cgo

package cyclelog

import (
	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"
