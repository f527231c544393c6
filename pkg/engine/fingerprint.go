package engine

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FileStat is the cheap metadata a per-file fingerprint is derived from.
// Source files are append/rotate-only logs, so metadata changes track
// content changes without reading the file.
type FileStat struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StatFiles collects FileStat for each path.
func StatFiles(paths []string) ([]FileStat, error) {
	stats := make([]FileStat, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		stats = append(stats, FileStat{Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return stats, nil
}

// FileFingerprint hashes path, size and modification time of one file.
func FileFingerprint(st FileStat) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(st.Path)
	writeInt64(d, st.Size)
	writeInt64(d, st.ModTime.UnixNano())
	return int64(d.Sum64())
}

// FileSetFingerprint combines per-file fingerprints with a wrapping sum, so
// the result does not depend on file order.
func FileSetFingerprint(files []FileStat) int64 {
	var sum int64
	for _, f := range files {
		sum += FileFingerprint(f)
	}
	return sum
}

// ContentFingerprint hashes raw document bytes.
func ContentFingerprint(data []byte) int64 {
	return int64(xxhash.Sum64(data))
}

// WriteMode distinguishes appends from full overwrites.
type WriteMode string

const (
	WriteModeAppend    WriteMode = "append"
	WriteModeOverwrite WriteMode = "overwrite"
)

// WriteParams are the structural parameters of one artifact write.
type WriteParams struct {
	Mode WriteMode `json:"mode"`

	// Format names the storage layout of the rows.
	Format string `json:"format,omitempty"`
}

// Multipliers for the additive part of the artifact checksum. Odd 64-bit
// constants keep distinct size vectors from colliding in practice.
const (
	rowWeight    int64 = -7046029254386353131 // 0x9e3779b97f4a7c15
	valueWeight  int64 = -4658895280553007687 // 0xbf58476d1ce4e5b9
	indexWeight  int64 = -7723592293110705685 // 0x94d049bb133111eb
	columnWeight int64 = 0x2545f4914f6cdd1d
)

// tableSizes returns the byte sizes of values, index labels and columns.
func tableSizes(t Table) (values, index, columns int64) {
	for _, row := range t.Rows {
		for _, v := range row {
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			values += int64(len(b))
		}
	}
	for _, label := range t.Index {
		index += int64(len(label))
	}
	for _, c := range t.Columns {
		columns += int64(len(c))
	}
	return values, index, columns
}

// rowsHash is linear in row count and value/index sizes, so several appends
// sum to the same value as one append of the same rows.
func rowsHash(t Table) int64 {
	values, index, _ := tableSizes(t)
	return int64(len(t.Rows))*rowWeight + values*valueWeight + index*indexWeight
}

// structureHash covers the columns and the storage format of a write.
func structureHash(t Table, params WriteParams) int64 {
	_, _, columns := tableSizes(t)
	d := xxhash.New()
	writeInt64(d, int64(len(t.Columns)))
	writeInt64(d, columns*columnWeight)
	_, _ = d.WriteString(params.Format)
	return int64(d.Sum64())
}

// TableHash hashes the shape of a full write: row count, the byte sizes of
// values, index and columns, and the write parameters. Contents are not
// hashed beyond their sizes.
func TableHash(t Table, params WriteParams) int64 {
	return rowsHash(t) + structureHash(t, params)
}

// AccumulateChecksum returns the artifact checksum after a write. An
// overwrite, or the first write of an artifact, resets the accumulator to
// TableHash; an append adds the hash of the appended rows.
func AccumulateChecksum(previous int64, exists bool, t Table, params WriteParams) int64 {
	if params.Mode == WriteModeOverwrite || !exists {
		return TableHash(t, params)
	}
	return previous + rowsHash(t)
}

func writeInt64(d *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = d.Write(buf[:])
}
