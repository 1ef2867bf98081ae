package debug

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (devices, negotiated size, errors)
	LevelLive    = 2 // Live info (state changes, captures)
	LevelVerbose = 3 // Verbose (configuration details)
	LevelTrace   = 4 // Trace (frames, buffers, GPIO)
)

var (
	level  atomic.Int32
	logger atomic.Pointer[log.Logger]
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (enumerated devices, negotiated resolution)
// 2 = live info (state transitions, captures)
// 3 = verbose (hardware configuration, orientation)
// 4 = trace (every preview frame and buffer submission, GPIO)
func Init(debugLevel int) {
	level.Store(int32(debugLevel))
	if debugLevel > LevelOff {
		logger.Store(log.New(os.Stdout, "[CamGo] ", log.LstdFlags|log.Lmicroseconds))
	} else {
		logger.Store(nil)
	}
}

// SetOutput redirects the debug output. It is a no-op while debug is off.
func SetOutput(w io.Writer) {
	if l := logger.Load(); l != nil {
		l.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	return int(level.Load())
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	if Level() < minLevel {
		return
	}
	if l := logger.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Device prints an enumerated camera unit (level 1).
func Device(id, facing string, sizes int) {
	printf(LevelInfo, "[INFO] Device %s: facing=%s, %d preview sizes", id, facing, sizes)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// State prints a driver state transition (level 2).
func State(from, to string) {
	printf(LevelLive, "[LIVE] State %s -> %s", from, to)
}

// Shot prints a persisted capture (level 2).
func Shot(path string, width, height int) {
	printf(LevelLive, "[LIVE] Picture saved to %s (%dx%d)", path, width, height)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// Frame prints a delivered preview frame (level 4).
func Frame(seq uint64, size int, listeners int) {
	printf(LevelTrace, "[FRAME] #%d %d bytes -> %d listeners", seq, size, listeners)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}
