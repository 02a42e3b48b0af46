package proto

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dev.c0redev.fwpush/internal/guid"
)

var ErrBadGIV = errors.New("bad giv")

// MaxGIVLine bounds the GIV line read from an untrusted socket.
const MaxGIVLine = 4096

// FormatGIV: "GIV <index>:<hex guid>/<file>\r\n\r\n".
func FormatGIV(g GIV) string {
	return fmt.Sprintf("GIV %d:%s/%s\r\n\r\n", g.Index, g.Correlation, g.FileName)
}

// ParseGIV parses one GIV line (line terminator optional).
func ParseGIV(line string) (GIV, error) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, "GIV ")
	if !ok {
		return GIV{}, fmt.Errorf("%w: %q", ErrBadGIV, trunc(line))
	}
	idx, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return GIV{}, fmt.Errorf("%w: no index", ErrBadGIV)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(idx), 10, 32)
	if err != nil {
		return GIV{}, fmt.Errorf("%w: index %q", ErrBadGIV, idx)
	}
	hexGUID, file, _ := strings.Cut(rest, "/")
	g, err := guid.Parse(hexGUID)
	if err != nil {
		return GIV{}, fmt.Errorf("%w: %v", ErrBadGIV, err)
	}
	return GIV{Index: uint32(n), Correlation: g, FileName: file}, nil
}

// ReadGIV reads the GIV line and the blank line after it.
func ReadGIV(br *bufio.Reader) (GIV, error) {
	line, err := readLine(br)
	if err != nil {
		return GIV{}, err
	}
	g, err := ParseGIV(line)
	if err != nil {
		return GIV{}, err
	}
	blank, err := readLine(br)
	if err != nil {
		return GIV{}, err
	}
	if blank != "" {
		return GIV{}, fmt.Errorf("%w: expected blank line", ErrBadGIV)
	}
	return g, nil
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrShortRead, err)
		}
		sb.Write(chunk)
		if sb.Len() > MaxGIVLine {
			return "", fmt.Errorf("%w: line too long", ErrBadGIV)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func trunc(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
