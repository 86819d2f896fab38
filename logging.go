package sockcore

import (
	"github.com/getlantern/golog"
)

// log is the package-scoped structured logger, using golog's standard
// LoggerFor("<pkg>") convention.
var log = golog.LoggerFor("sockcore")
