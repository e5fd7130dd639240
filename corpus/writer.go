package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum-optimism/optimism/op-service/ioutil"
)

// FilePerm is the permission of record files created by Create and Append.
const FilePerm = 0o644

// Writer appends JSON values to a line-delimited stream.
type Writer struct {
	path    string
	closers []io.Closer
	buf     *bufio.Writer
	enc     *json.Encoder
	count   int
}

func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: json.NewEncoder(buf)}
}

// Create truncates path and writes records to it. Paths ending in .gz are
// gzip compressed.
func Create(path string) (*Writer, error) {
	return open(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

// Append opens path for appending, creating it if needed.
func Append(path string) (*Writer, error) {
	return open(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
}

func open(path string, flag int) (*Writer, error) {
	f, err := os.OpenFile(path, flag, FilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	out := ioutil.CompressByFileType(path, f)
	w := NewWriter(out)
	w.path = path
	if ioutil.IsGzip(path) {
		w.closers = append(w.closers, out)
	}
	w.closers = append(w.closers, f)
	return w, nil
}

// Write encodes v as one line. Lines are flushed so a crashed run keeps
// every record written so far.
func (w *Writer) Write(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	w.count++
	return w.buf.Flush()
}

func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
