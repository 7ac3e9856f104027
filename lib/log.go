package lib

import (
	"os"
	"runtime"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LogTimeFormat = "2006-01-02T15:04:05.000"
)

// ZeroConsoleLog configures the global zerolog logger to write human readable
// output to stdout.
func ZeroConsoleLog() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: false, TimeFormat: LogTimeFormat})

	if runtime.GOOS == "windows" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: colorable.NewColorableStdout(), TimeFormat: LogTimeFormat})
	}
}

// ZeroConsoleAndFileLog configures the global zerolog logger to write both to
// the console and to the given log file.
func ZeroConsoleAndFileLog(filename string) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Error().Err(err).Msg("Error setting up log config")
		ZeroConsoleLog()
		return
	}

	consoleLog := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: false, TimeFormat: LogTimeFormat}
	if runtime.GOOS == "windows" {
		consoleLog = zerolog.ConsoleWriter{Out: colorable.NewColorableStdout(), TimeFormat: LogTimeFormat}
	}

	multi := zerolog.MultiLevelWriter(consoleLog, logFile)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
}
