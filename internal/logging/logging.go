package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apiquota/governor/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFileName = "governor.log"

// Setup configures logrus for the embedding host: parse the level, and when
// a file path (or a writable base path) is available, tee output into a
// size-rotated log file.
func Setup(level, filePath string) {
	parsed, errParse := log.ParseLevel(strings.TrimSpace(level))
	if errParse != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		if base := util.WritablePath(); base != "" {
			filePath = filepath.Join(base, defaultLogFileName)
		}
	}
	if filePath == "" {
		return
	}

	rotated := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
}
