package train

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gosbi/gosbi/nde"
)

// Checkpoint file layout, all sections 64-byte aligned:
//
//	[checkpoint_header (64B)]
//	[param_metadata_0 (64B)] [float64 data_0]
//	[param_metadata_1 (64B)] [float64 data_1]
//	...
//
// Parameters appear member by member in Params() order, so a checkpoint can
// only be loaded into an ensemble with the same architecture.
const (
	checkpointAlignment = 64

	checkpointMagic   uint32 = 0x4E444543 // "NDEC"
	checkpointVersion uint32 = 1

	paramSentinel uint32 = 0xC0FFEE01

	runIDLen = 36
)

// checkpointHeader is the file header. It is always 64 bytes.
type checkpointHeader struct {
	Magic    uint32
	Version  uint32
	Count    uint32 // number of parameter entries
	Mode     uint32 // nde.Mode of the ensemble
	RunID    [runIDLen]byte
	Reserved [12]byte
}

// paramMetadata precedes each parameter's data. It is always 64 bytes.
type paramMetadata struct {
	Sentinel    uint32
	Member      uint32
	Param       uint32
	Rows        uint32
	Cols        uint32
	SizeInBytes uint64
	Offset      uint64 // absolute file offset of the data
	Reserved    [28]byte
}

// alignTo returns the smallest multiple of alignment >= offset.
func alignTo(offset, alignment uint64) uint64 {
	remainder := offset % alignment
	if remainder == 0 {
		return offset
	}
	return offset + (alignment - remainder)
}

// SaveCheckpoint writes the ensemble's parameters to path.
func SaveCheckpoint(path string, ens *nde.Ensemble, runID string) error {
	if ens == nil {
		return fmt.Errorf("checkpoint: nil ensemble")
	}
	if len(runID) > runIDLen {
		return fmt.Errorf("checkpoint: run id %q longer than %d bytes", runID, runIDLen)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}

	header := checkpointHeader{
		Magic:   checkpointMagic,
		Version: checkpointVersion,
		Mode:    uint32(ens.Mode()),
	}
	copy(header.RunID[:], runID)

	offset := uint64(checkpointAlignment)
	for mi, member := range ens.Members() {
		for pi, p := range member.Params() {
			data := p.Data()
			size := uint64(8 * len(data))
			metadataOffset := offset
			dataOffset := alignTo(metadataOffset+checkpointAlignment, checkpointAlignment)

			meta := paramMetadata{
				Sentinel:    paramSentinel,
				Member:      uint32(mi),
				Param:       uint32(pi),
				Rows:        uint32(p.Rows()),
				Cols:        uint32(p.Cols()),
				SizeInBytes: size,
				Offset:      dataOffset,
			}
			if err := writeStructAt(f, int64(metadataOffset), &meta); err != nil {
				f.Close()
				return fmt.Errorf("write metadata at offset %d: %w", metadataOffset, err)
			}

			buf := make([]byte, size)
			for i, v := range data {
				binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
			}
			if _, err := f.WriteAt(buf, int64(dataOffset)); err != nil {
				f.Close()
				return fmt.Errorf("write data at offset %d: %w", dataOffset, err)
			}

			offset = alignTo(dataOffset+size, checkpointAlignment)
			header.Count++
		}
	}

	if err := writeStructAt(f, 0, &header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	return f.Close()
}

// LoadCheckpoint restores the ensemble's parameters from path and returns
// the run id the checkpoint was written under. The ensemble must have the
// architecture the checkpoint was saved from.
func LoadCheckpoint(path string, ens *nde.Ensemble) (string, error) {
	if ens == nil {
		return "", fmt.Errorf("checkpoint: nil ensemble")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open checkpoint file: %w", err)
	}
	defer f.Close()

	var header checkpointHeader
	if err := readStructAt(f, 0, &header); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	if header.Magic != checkpointMagic {
		return "", fmt.Errorf("checkpoint: bad magic %#x", header.Magic)
	}
	if header.Version != checkpointVersion {
		return "", fmt.Errorf("checkpoint: unsupported version %d", header.Version)
	}
	if nde.Mode(header.Mode) != ens.Mode() {
		return "", fmt.Errorf("checkpoint: saved mode %q, ensemble mode %q", nde.Mode(header.Mode), ens.Mode())
	}
	runID := trimNul(header.RunID[:])

	offset := uint64(checkpointAlignment)
	var count uint32
	for mi, member := range ens.Members() {
		for pi, p := range member.Params() {
			var meta paramMetadata
			if err := readStructAt(f, int64(offset), &meta); err != nil {
				return "", fmt.Errorf("read metadata at offset %d: %w", offset, err)
			}
			if meta.Sentinel != paramSentinel {
				return "", fmt.Errorf("checkpoint: bad sentinel %#x at offset %d", meta.Sentinel, offset)
			}
			if meta.Member != uint32(mi) || meta.Param != uint32(pi) {
				return "", fmt.Errorf("checkpoint: entry (%d, %d) where (%d, %d) expected", meta.Member, meta.Param, mi, pi)
			}
			data := p.Data()
			if meta.Rows != uint32(p.Rows()) || meta.Cols != uint32(p.Cols()) || meta.SizeInBytes != uint64(8*len(data)) {
				return "", fmt.Errorf("checkpoint: parameter (%d, %d) has shape %dx%d, ensemble wants %dx%d",
					mi, pi, meta.Rows, meta.Cols, p.Rows(), p.Cols())
			}

			buf := make([]byte, meta.SizeInBytes)
			if _, err := f.ReadAt(buf, int64(meta.Offset)); err != nil {
				return "", fmt.Errorf("read data at offset %d: %w", meta.Offset, err)
			}
			for i := range data {
				data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
			}

			offset = alignTo(meta.Offset+meta.SizeInBytes, checkpointAlignment)
			count++
		}
	}
	if count != header.Count {
		return "", fmt.Errorf("checkpoint: %d entries in file, ensemble has %d parameters", header.Count, count)
	}
	return runID, nil
}

func writeStructAt(f *os.File, offset int64, data any) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, data)
}

func readStructAt(f *os.File, offset int64, data any) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return binary.Read(f, binary.LittleEndian, data)
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
