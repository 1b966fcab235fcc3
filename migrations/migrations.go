// README: Embedded SQL migrations applied on startup by infra.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
