package logging

import (
	"fmt"
	"strings"

	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// Prefix is shared by the logger names of every bidcore package.
const Prefix = "bidcore/"

// SetLogLevels sets levels for the given systems.
// The "*" system applies the level to every registered subsystem.
func SetLogLevels(systems map[string]golog.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level)
		if sys == "*" {
			for _, s := range golog.GetSubsystems() {
				if err := golog.SetLogLevel(s, l.CapitalString()); err != nil {
					return err
				}
			}
			continue
		}
		if err := golog.SetLogLevel(sys, l.CapitalString()); err != nil {
			return fmt.Errorf("setting level of %s: %v", sys, err)
		}
	}
	return nil
}

// Subsystems returns the registered bidcore loggers plus any extra names
// that are registered.
func Subsystems(extra ...string) []string {
	registered := make(map[string]struct{})
	var names []string
	for _, s := range golog.GetSubsystems() {
		registered[s] = struct{}{}
		if strings.HasPrefix(s, Prefix) {
			names = append(names, s)
		}
	}
	for _, s := range extra {
		if _, ok := registered[s]; ok {
			names = append(names, s)
		}
	}
	return names
}

// LevelFor returns debug level if debug is set, info otherwise.
func LevelFor(debug bool) golog.LogLevel {
	if debug {
		return golog.LevelDebug
	}
	return golog.LevelInfo
}
