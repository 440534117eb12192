// Package fifo is the thin command-channel boundary of §6: it turns
// line-oriented records arriving on fifo_path into fault.Injector
// registrations and acks each one on fifo_path_completed. It owns no
// fault semantics of its own, only the wire framing.
package fifo

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

// Record is one parsed command-channel line: {op, timing, path_regex,
// kind, occurrence, persist[], parts|parts_bytes}.
type Record struct {
	Op         fault.Op
	Timing     fault.Timing
	PathRegex  string
	Kind       string // "split_write" | "reorder"
	Occurrence int
	Persist    []int
	Parts      int
	PartsBytes []int
}

var ErrUnknownKind = errors.New("fifo: unknown fault kind")

// Parse decodes one space-separated key=value line, e.g.:
//
//	op=write timing=before path_regex=^/data/.* kind=split_write occurrence=1 parts=2 persist=0,1
func Parse(line string) (Record, error) {
	var rec Record
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return Record{}, errors.Errorf("fifo: malformed field %q", field)
		}
		var err error
		switch k {
		case "op":
			rec.Op = fault.Op(v)
		case "timing":
			if v == "after" {
				rec.Timing = fault.After
			} else {
				rec.Timing = fault.Before
			}
		case "path_regex":
			rec.PathRegex = v
		case "kind":
			rec.Kind = v
		case "occurrence":
			rec.Occurrence, err = strconv.Atoi(v)
		case "parts":
			rec.Parts, err = strconv.Atoi(v)
		case "persist":
			rec.Persist, err = parseIntList(v)
		case "parts_bytes":
			rec.PartsBytes, err = parseIntList(v)
		}
		if err != nil {
			return Record{}, errors.Wrapf(err, "fifo: field %q", field)
		}
	}
	if rec.Op == "" || rec.PathRegex == "" || rec.Kind == "" {
		return Record{}, errors.New("fifo: record missing op, path_regex, or kind")
	}
	return rec, nil
}

func parseIntList(v string) ([]int, error) {
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// ToFault builds the fault.Fault a Record describes.
func ToFault(rec Record) (fault.Fault, error) {
	switch rec.Kind {
	case "split_write":
		if len(rec.PartsBytes) > 0 {
			return fault.FromPartsBytes(rec.PathRegex, rec.Occurrence, rec.PartsBytes, rec.Persist)
		}
		return fault.FromParts(rec.PathRegex, rec.Occurrence, rec.Parts, rec.Persist)
	case "reorder":
		return fault.FromOp(rec.Op, rec.PathRegex, rec.Occurrence, rec.Persist)
	default:
		return nil, errors.Wrap(ErrUnknownKind, rec.Kind)
	}
}

// Server owns the pair of named pipes: it reads Records off fifoPath,
// registers them against inj, and writes one ack line per record to
// completedPath.
type Server struct {
	fifoPath      string
	completedPath string
	inj           *fault.Injector
}

func NewServer(fifoPath, completedPath string, inj *fault.Injector) *Server {
	return &Server{fifoPath: fifoPath, completedPath: completedPath, inj: inj}
}

// EnsurePipes creates both named pipes if they don't already exist.
func (s *Server) EnsurePipes() error {
	for _, p := range []string{s.fifoPath, s.completedPath} {
		if p == "" {
			continue
		}
		if err := syscall.Mkfifo(p, 0o644); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "fifo: mkfifo %s", p)
		}
	}
	return nil
}

// Run reads newline-delimited records from the fifo until EOF,
// registering each with the injector and acking it on the completed
// pipe. A malformed line acks with its parse error instead of
// registering anything, and processing continues.
func (s *Server) Run() error {
	in, err := os.Open(s.fifoPath)
	if err != nil {
		return errors.Wrap(err, "fifo: open command pipe")
	}
	defer in.Close()

	var out io.Writer = io.Discard
	if s.completedPath != "" {
		f, err := os.OpenFile(s.completedPath, os.O_WRONLY, 0)
		if err != nil {
			return errors.Wrap(err, "fifo: open completion pipe")
		}
		defer f.Close()
		out = f
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ack := s.handleLine(line)
		if _, err := io.WriteString(out, ack+"\n"); err != nil {
			return errors.Wrap(err, "fifo: write ack")
		}
	}
	return scanner.Err()
}

func (s *Server) handleLine(line string) string {
	rec, err := Parse(line)
	if err != nil {
		return "err: " + err.Error()
	}
	f, err := ToFault(rec)
	if err != nil {
		return "err: " + err.Error()
	}
	s.inj.Register(rec.Timing, rec.Op, f)
	return "ok"
}
