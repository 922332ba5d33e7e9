// Package cycler reads the battery cycler's CSV export directory. The cycler
// software appends one row per sample to a file named
// "Data-24-<channel> <timestamp>.csv"; a new file appears whenever the
// operator restarts the schedule. The newest matching file's last complete
// row supplies the cycle number, step type, cell current and the open-circuit
// voltage measured on the auxiliary channels.
package cycler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column headers as written by the cycler export.
const (
	colChannel = "Channel Index"
	colCycle   = "Cycle Number"
	colStep    = "Step Type"
	colCurrent = "Current(mA)"
	colAuxV    = "auxiliary voltage(V)"
)

var ErrNoData = errors.New("cycler: no data file")

// Reading is the last complete row of the newest export file.
type Reading struct {
	CycleNumber int
	StepType    string
	CurrentA    float64 // converted from mA, sign preserved
	OCV         float64 // average of the auxiliary voltage pair
	Source      string  // file the row came from
}

// Reader scans one export directory for one cycler channel.
type Reader struct {
	dir    string
	prefix string
}

func New(dir, channel string) *Reader {
	return &Reader{dir: dir, prefix: fmt.Sprintf("Data-24-%s", channel)}
}

// Latest returns the last row of the newest matching file. The final line of
// a file being written can be torn; rows that fail to parse are skipped in
// favour of the last one that does.
func (r *Reader) Latest() (Reading, error) {
	path, err := r.newestFile()
	if err != nil {
		return Reading{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Reading{}, fmt.Errorf("cycler: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return Reading{}, fmt.Errorf("cycler: header: %w", err)
	}
	idx, err := columnIndexes(header)
	if err != nil {
		return Reading{}, err
	}

	var last Reading
	found := false
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		rd, perr := parseRow(rec, idx)
		if perr != nil {
			continue
		}
		last = rd
		found = true
	}
	if !found {
		return Reading{}, ErrNoData
	}
	last.Source = filepath.Base(path)
	return last, nil
}

func (r *Reader) newestFile() (string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("cycler: %w", err)
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, r.prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixMilli(); newest == "" || mod > newestMod {
			newest, newestMod = filepath.Join(r.dir, name), mod
		}
	}
	if newest == "" {
		return "", ErrNoData
	}
	return newest, nil
}

type columns struct {
	cycle, step, current, auxV int
}

func columnIndexes(header []string) (columns, error) {
	c := columns{cycle: -1, step: -1, current: -1, auxV: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case colCycle:
			c.cycle = i
		case colStep:
			c.step = i
		case colCurrent:
			c.current = i
		case colAuxV:
			c.auxV = i
		}
	}
	if c.cycle < 0 || c.step < 0 || c.current < 0 || c.auxV < 0 {
		return c, fmt.Errorf("cycler: header missing required columns: %v", header)
	}
	return c, nil
}

func parseRow(rec []string, c columns) (Reading, error) {
	var r Reading
	max := c.cycle
	for _, i := range []int{c.step, c.current, c.auxV} {
		if i > max {
			max = i
		}
	}
	if len(rec) <= max {
		return r, errors.New("short row")
	}
	cyc, err := strconv.Atoi(strings.TrimSpace(rec[c.cycle]))
	if err != nil {
		return r, err
	}
	mA, err := strconv.ParseFloat(strings.TrimSpace(rec[c.current]), 64)
	if err != nil {
		return r, err
	}
	ocv, err := parseAuxVoltage(rec[c.auxV])
	if err != nil {
		return r, err
	}
	r.CycleNumber = cyc
	r.StepType = strings.TrimSpace(rec[c.step])
	r.CurrentA = mA / 1000.0
	r.OCV = ocv
	return r, nil
}

// parseAuxVoltage averages the two half-cell probes. The cycler writes the
// pair as "Aux1;1.234:Aux2;1.250" (name;value entries joined by ':'); a plain
// number is accepted as-is.
func parseAuxVoltage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var sum float64
	var n int
	for _, entry := range strings.Split(s, ":") {
		parts := strings.Split(entry, ";")
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-1]), 64)
		if err != nil {
			return 0, fmt.Errorf("cycler: aux voltage %q: %w", s, err)
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("cycler: aux voltage %q: empty", s)
	}
	return sum / float64(n), nil
}
