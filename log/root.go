package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Modules gate Trace and Debug output; Info and above always pass.
const (
	EngineMonitoring  = "engine_mod" // per-vCPU execution loop
	CompileMonitoring = "jit_mod"    // tiered compiler and workers
	CacheMonitoring   = "cache_mod"  // code cache, eviction, arena
	HotspotMonitoring = "hot_mod"    // hotspot detector decisions
	AOTMonitoring     = "aot_mod"    // AOT metadata store
	InterpMonitoring  = "interp_mod" // interpreter
	GuestMonitoring   = "guest_mod"  // guest memory and program loading
)

var root atomic.Pointer[Logger]

func init() {
	SetDefault(NewLogger(DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// InitLogger installs a stderr text logger at logLevel. An unknown level
// is fatal; the CLI calls this before anything else runs.
func InitLogger(logLevel string) {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

func SetDefault(l Logger) {
	root.Store(&l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return *root.Load()
}

var modules sync.Map // string -> bool

func EnableModule(module string) { modules.Store(module, true) }

func DisableModule(module string) { modules.Delete(module) }

// EnableModules enables a comma separated module list, e.g. "jit_mod,cache_mod".
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			EnableModule(m)
		}
	}
}

func moduleEnabled(module string) bool {
	_, ok := modules.Load(module)
	return ok
}

func Trace(module string, msg string, kv ...any) {
	if moduleEnabled(module) {
		Root().Write(LevelTrace, module, msg, kv...)
	}
}

func Debug(module string, msg string, kv ...any) {
	if moduleEnabled(module) {
		Root().Write(LevelDebug, module, msg, kv...)
	}
}

func Info(module string, msg string, kv ...any) {
	Root().Write(LevelInfo, module, msg, kv...)
}

func Warn(module string, msg string, kv ...any) {
	Root().Write(LevelWarn, module, msg, kv...)
}

func Error(module string, msg string, kv ...any) {
	Root().Write(LevelError, module, msg, kv...)
}
