package statusmap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bitplane/blkcache"
)

const header = "# Mapfile. Created by blkcache"
const columnHeader = "#      pos            size    status"

// Load parses a ddrescue-format mapfile at a path a caller has already
// opened. If the reader is empty, Load returns a fresh StatusMap with a
// single (0, Unread) transition, the same result as an absent mapfile
// (the caller is responsible for distinguishing a missing file from
// an empty one, typically via os.Open's error).
func Load(r io.Reader, deviceSize int64, blockSize uint32) (*StatusMap, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var transitions []Transition
	var currentPos int64
	var prevRecordEnd int64
	sawAnyLine := false
	sawTable := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		sawAnyLine = true

		fields := strings.Fields(line)
		if !sawTable && len(fields) == 2 {
			// current_pos / current_status line.
			pos, err := parseHex(fields[0])
			if err != nil {
				return nil, blkcache.ErrMapFileCorrupt.WithMessage(fmt.Sprintf("bad current_pos %q: %s", fields[0], err))
			}
			currentPos = pos
			sawTable = true
			continue
		}
		if len(fields) != 3 {
			return nil, blkcache.ErrMapFileCorrupt.WithMessage(fmt.Sprintf("malformed record: %q", line))
		}

		offset, err := parseHex(fields[0])
		if err != nil {
			return nil, blkcache.ErrMapFileCorrupt.WithMessage(fmt.Sprintf("bad offset %q: %s", fields[0], err))
		}
		size, err := parseHex(fields[1])
		if err != nil {
			return nil, blkcache.ErrMapFileCorrupt.WithMessage(fmt.Sprintf("bad size %q: %s", fields[1], err))
		}
		if len(fields[2]) != 1 {
			return nil, blkcache.ErrMapFileCorrupt.WithMessage(fmt.Sprintf("bad status %q", fields[2]))
		}
		raw := RawStatus(rune(fields[2][0]))

		if len(transitions) > 0 {
			if offset != prevRecordEnd {
				return nil, blkcache.ErrMapFileCorrupt.WithMessage(
					fmt.Sprintf("gap or overlap before offset 0x%x (previous record ended at 0x%x)", offset, prevRecordEnd))
			}
		} else if offset != 0 {
			return nil, blkcache.ErrMapFileCorrupt.WithMessage("first record does not start at offset 0")
		}
		prevRecordEnd = offset + size

		transitions = append(transitions, Transition{Offset: offset, Status: raw.ToStatus(), Raw: raw})
	}
	if err := scanner.Err(); err != nil {
		return nil, blkcache.ErrMapFileCorrupt.WrapError(err)
	}

	if !sawAnyLine {
		m := New(deviceSize, blockSize)
		return m, nil
	}

	if len(transitions) == 0 {
		return nil, blkcache.ErrMapFileCorrupt.WithMessage("no transition records found")
	}
	if prevRecordEnd != deviceSize {
		return nil, blkcache.ErrMapFileCorrupt.WithMessage(
			fmt.Sprintf("total covered size 0x%x does not match device size 0x%x", prevRecordEnd, deviceSize))
	}

	m := &StatusMap{
		transitions: coalesce(transitions),
		deviceSize:  deviceSize,
		blockSize:   blockSize,
		currentPos:  currentPos,
	}
	if err := m.Validate(); err != nil {
		return nil, blkcache.ErrMapFileCorrupt.WrapError(err)
	}
	return m, nil
}

func parseHex(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// Save emits the ddrescue header, the current_pos line, and the coalesced
// transition table. Offsets and sizes are hexadecimal, lowercase, with
// five spaces separating fields and exactly one trailing newline per
// line and at end of file.
func (m *StatusMap) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintln(bw, header); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	if _, err := fmt.Fprintln(bw, "# current_pos  current_status"); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	currentStatusRaw := RawNonTried
	if idx := m.indexAt(m.CurrentPos()); idx >= 0 {
		currentStatusRaw = m.transitions[idx].Raw
	}
	if _, err := fmt.Fprintf(bw, "0x%08x     %c\n", m.CurrentPos(), rune(currentStatusRaw)); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	if _, err := fmt.Fprintln(bw, columnHeader); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}

	for i, t := range m.transitions {
		var size int64
		if i+1 < len(m.transitions) {
			size = m.transitions[i+1].Offset - t.Offset
		} else {
			size = m.deviceSize - t.Offset
		}
		if _, err := fmt.Fprintf(bw, "0x%08x     0x%08x     %c\n", t.Offset, size, rune(t.Raw)); err != nil {
			return blkcache.ErrIO.WrapError(err)
		}
	}

	if err := bw.Flush(); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	return nil
}
