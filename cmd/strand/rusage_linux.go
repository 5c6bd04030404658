//go:build linux

package main

import (
	"golang.org/x/sys/unix"

	"github.com/strandml/strand/internal/logger"
)

// logResourceUsage reports peak memory and CPU time on shutdown.
func logResourceUsage(log logger.Logger) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		log.Debug("getrusage failed", "error", err)
		return
	}
	log.Info("resource usage",
		"max_rss_kb", ru.Maxrss,
		"user_sec", float64(ru.Utime.Sec)+float64(ru.Utime.Usec)/1e6,
		"sys_sec", float64(ru.Stime.Sec)+float64(ru.Stime.Usec)/1e6,
	)
}
