package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	diagFileName       = "diagnostics_log.txt"
	transcribeFileName = "transcribe_log.txt"
	timeFormat         = "2006-01-02 15:04:05"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
	level          = zerolog.InfoLevel
)

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

// ResolveDir picks the log directory: the -logpath flag, then
// HARK_LOG_PATH, then the OS default.
func ResolveDir(flagPath string) (string, error) {
	if flagPath != "" {
		return absolute(flagPath)
	}
	if env := os.Getenv("HARK_LOG_PATH"); env != "" {
		return absolute(env)
	}
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetDebug enables debug events in the diagnostics file. Call before Init.
func SetDebug(on bool) {
	if on {
		level = zerolog.DebugLevel
	} else {
		level = zerolog.InfoLevel
	}
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}
	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	transcribeFile, err = os.OpenFile(filepath.Join(dir, transcribeFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	w := zerolog.ConsoleWriter{Out: diagFile, TimeFormat: timeFormat, NoColor: true}
	diagLog = zerolog.New(w).Level(level).With().Timestamp().Int("pid", pid).Logger()
	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

// Component returns a child logger tagged with name. Before Init it
// discards everything.
func Component(name string) *zerolog.Logger {
	if !logReady {
		l := zerolog.Nop()
		return &l
	}
	l := diagLog.With().Str("component", name).Logger()
	return &l
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TranscriptionText appends one delivered transcript to the transcript log.
func TranscriptionText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format(timeFormat), pid, text)
	transcribeFile.WriteString(line)
}

func SessionStart(adapter string, confirm, autoSubmit bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("adapter", adapter).
		Bool("confirm", confirm).
		Bool("autosubmit", autoSubmit).
		Msg("session_start")
}

func SessionEnd(delivered int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("delivered", delivered).
		Msg("session_end")
}
