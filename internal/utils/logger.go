package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger points the global logger at w (stderr when nil). With debug on,
// the level drops to Debug and lines are mirrored to stderr as well.
func InitLogger(debug bool, w io.Writer) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	if w != nil {
		fileOut := zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime, NoColor: true}
		if debug {
			out = zerolog.MultiLevelWriter(fileOut, out)
		} else {
			out = fileOut
		}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func GetLogger(op string) zerolog.Logger {
	return log.With().Str("op", op).Logger()
}
