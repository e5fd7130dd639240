package corpus

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Program is an ordered list of instruction words. It marshals as 8-digit
// hex strings and unmarshals from numbers, hex strings, or a single
// whitespace or comma separated string.
type Program []uint32

// ParseWord accepts "00100513", "0x00100513" and short forms like "0x13".
func ParseWord(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s) > 8 {
		return 0, fmt.Errorf("invalid instruction word %q", s)
	}
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return 0, fmt.Errorf("invalid instruction word %q: %w", s, err)
	}
	return binary.BigEndian.Uint32(b), nil
}

// ParseProgram parses whitespace or comma separated hex words.
func ParseProgram(s string) (Program, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make(Program, 0, len(fields))
	for _, f := range fields {
		w, err := ParseWord(f)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (p Program) Hex() []string {
	out := make([]string, len(p))
	for i, w := range p {
		out[i] = fmt.Sprintf("%08x", w)
	}
	return out
}

func (p Program) String() string {
	return strings.Join(p.Hex(), " ")
}

func (p Program) Clone() Program {
	return append(Program(nil), p...)
}

func (p Program) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Hex())
}

func (p *Program) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out, err := ParseProgram(s)
		if err != nil {
			return err
		}
		*p = out
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Program, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			w, err := ParseWord(s)
			if err != nil {
				return fmt.Errorf("word %d: %w", i, err)
			}
			out[i] = w
			continue
		}
		var w uint32
		if err := json.Unmarshal(r, &w); err != nil {
			return fmt.Errorf("word %d: %w", i, err)
		}
		out[i] = w
	}
	*p = out
	return nil
}
