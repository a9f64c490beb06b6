package main

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	gormlogger "gorm.io/gorm/logger"
)

// glogWriter adapts glog to the GORM logger.Writer interface.
type glogWriter struct{}

func (glogWriter) Printf(format string, args ...any) {
	glog.InfoDepth(3, fmt.Sprintf(format, args...))
}

func newSQLTraceLogger(slow time.Duration) gormlogger.Interface {
	return gormlogger.New(glogWriter{}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Info,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
