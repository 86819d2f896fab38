package sockcore

import (
	"time"

	"github.com/getlantern/measured"
)

// Reporter is the getlantern/measured stats sink (e.g. a Redis-backed
// reporter); sockcore doesn't implement one itself, the host supplies it
// via SocketConfig.StatsReporter.
type Reporter = measured.Reporter

// StartMeasuring begins periodic stats reporting at interval, invoked by
// NewListenContext when SocketConfig.StatsReporter is set. Call
// StopMeasuring during host shutdown.
func StartMeasuring(interval time.Duration, reporter Reporter) {
	measured.Start(interval, reporter)
}

// StopMeasuring stops the reporting goroutine started by StartMeasuring.
func StopMeasuring() {
	measured.Stop()
}
