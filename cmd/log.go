package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

func Logger(w io.Writer, lvl log.Lvl) log.Logger {
	l := log.New()
	l.SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(w, log.LogfmtFormat())))
	return l
}

// ParseLevel accepts the level names of LvlFromString in any case.
func ParseLevel(s string) (log.Lvl, error) {
	lvl, err := log.LvlFromString(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// LoggingWriter exposes a logger as an io.Writer, for the stderr of a
// backend worker process.
type LoggingWriter struct {
	Name string
	Log  log.Logger
}

func logAsText(b string) bool {
	for _, c := range b {
		if (c < 0x20 || c >= 0x7F) && (c != '\n' && c != '\t') {
			return false
		}
	}
	return true
}

func (lw *LoggingWriter) Write(b []byte) (int, error) {
	t := strings.TrimRight(string(b), "\n")
	if t == "" {
		return len(b), nil
	}
	if logAsText(t) {
		for _, line := range strings.Split(t, "\n") {
			lw.Log.Info(lw.Name, "text", line)
		}
	} else {
		lw.Log.Info(lw.Name, "data", hexutil.Bytes(b))
	}
	return len(b), nil
}

// HexU32 to lazy-format integer attributes for logging
type HexU32 uint32

func (v HexU32) String() string {
	return fmt.Sprintf("%08x", uint32(v))
}

func (v HexU32) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
