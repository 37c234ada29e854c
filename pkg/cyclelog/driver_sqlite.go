//go:build !cgo

package cyclelog

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
