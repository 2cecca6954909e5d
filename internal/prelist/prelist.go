// Package prelist bulk-loads shared objects into the daemon image.
//
// Hosts sometimes resolve additional libraries only when specific code
// paths run; loading them up front with load-now binding forces their
// resolution into the daemon's address space, so forked children inherit
// them already linked. Load failures are logged and ignored — a missing
// optional library must not keep the daemon from serving. No handles are
// retained: the libraries stay resident until process death by design.
package prelist

import (
	"bufio"
	"fmt"
	"os"

	"github.com/ebitengine/purego"
)

// Logger is the slice of the daemon's logging the loader needs.
type Logger interface {
	Info(format string, args ...any)
}

// dlopenNow is swapped out by tests; production always dlopens.
var dlopenNow = func(path string) error {
	if _, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL); err != nil {
		return err
	}
	return nil
}

// LoadFile reads newline-separated shared-object paths from file and
// loads each with load-now binding. Only an unreadable file is an error;
// per-library failures are logged and skipped.
func LoadFile(file string, log Logger) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open load file %s: %w", file, err)
	}
	defer f.Close()

	loaded, failed := 0, 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := dlopenNow(line); err != nil {
			failed++
			log.Info("unable to dlopen %s: %v", line, err)
			continue
		}
		loaded++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read load file %s: %w", file, err)
	}

	log.Info("prelist: %d libraries loaded, %d failed", loaded, failed)
	return nil
}
