package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupParsesLevelAndFallsBack(t *testing.T) {
	Setup("debug", "")
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level: got %s want debug", log.GetLevel())
	}

	Setup("not-a-level", "")
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("fallback level: got %s want info", log.GetLevel())
	}
}

func TestSetupWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.log")

	Setup("info", path)
	defer log.SetOutput(os.Stdout)

	log.Info("governor log sink check")

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read log file: %v", errRead)
	}
	if len(data) == 0 {
		t.Fatalf("log file should contain the emitted line")
	}
}
