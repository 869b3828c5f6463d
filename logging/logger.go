package logging

import (
	"io"
	"os"

	gnarkLogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

func Logger() *zerolog.Logger {
	return &log
}

func SetJSONOutput() {
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	gnarkLogger.Set(log)
}

// SetOutput redirects logs to w. The prove-worker uses it to keep stdout free
// for the message stream.
func SetOutput(w io.Writer) {
	log = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	gnarkLogger.Set(log)
}

func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
