// Package index reads and writes chunk index files: the small table that
// maps an archive stream to the content-addressed chunks it was cut into.
package index

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// magic identifies a chunk index file.
const magic = 0x96824d9c7b129ff9

// An Index ties an archive stream to its chunks. Offsets are byte positions
// in the uncompressed stream, strictly increasing, starting at 0.
type Index struct {
	// FeatureFlags is the encoder flag word the stream was produced with.
	// Re-encoding the same tree with these flags reproduces the stream and
	// therefore the chunk digests.
	FeatureFlags uint64

	// Chunk size bounds the stream was cut with.
	ChunkSizeMin uint64
	ChunkSizeAvg uint64
	ChunkSizeMax uint64

	// TotalSize is the byte length of the whole stream.
	TotalSize uint64

	Chunks []Chunk
}

type Chunk struct {
	Offset uint64
	Digest [32]byte
}

type header struct {
	Magic        uint64
	FeatureFlags uint64
	ChunkSizeMin uint64
	ChunkSizeAvg uint64
	ChunkSizeMax uint64
	TotalSize    uint64
	NumChunks    uint64
}

// Write stores idx in filename, atomically replacing any previous version.
func Write(filename string, idx *Index) error {
	f, err := renameio.TempFile("", filename)
	if err != nil {
		return err
	}
	defer f.Cleanup()

	bw := bufio.NewWriter(f)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:        magic,
		FeatureFlags: idx.FeatureFlags,
		ChunkSizeMin: idx.ChunkSizeMin,
		ChunkSizeAvg: idx.ChunkSizeAvg,
		ChunkSizeMax: idx.ChunkSizeMax,
		TotalSize:    idx.TotalSize,
		NumChunks:    uint64(len(idx.Chunks)),
	}); err != nil {
		return err
	}
	for _, c := range idx.Chunks {
		if err := binary.Write(bw, binary.LittleEndian, c); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// Read loads and validates an index file.
func Read(filename string) (*Index, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}

func decode(r io.Reader) (*Index, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, xerrors.Errorf("index header: %w", err)
	}
	if hdr.Magic != magic {
		return nil, xerrors.Errorf("index magic %#x, not an index file", hdr.Magic)
	}
	idx := &Index{
		FeatureFlags: hdr.FeatureFlags,
		ChunkSizeMin: hdr.ChunkSizeMin,
		ChunkSizeAvg: hdr.ChunkSizeAvg,
		ChunkSizeMax: hdr.ChunkSizeMax,
		TotalSize:    hdr.TotalSize,
		Chunks:       make([]Chunk, hdr.NumChunks),
	}
	for i := range idx.Chunks {
		if err := binary.Read(r, binary.LittleEndian, &idx.Chunks[i]); err != nil {
			return nil, xerrors.Errorf("chunk table entry %d: %w", i, err)
		}
		if i == 0 && idx.Chunks[i].Offset != 0 {
			return nil, xerrors.Errorf("first chunk starts at %d, not 0", idx.Chunks[i].Offset)
		}
		if i > 0 && idx.Chunks[i].Offset <= idx.Chunks[i-1].Offset {
			return nil, xerrors.Errorf("chunk table entry %d: offsets not increasing", i)
		}
	}
	if n := len(idx.Chunks); n > 0 && idx.Chunks[n-1].Offset >= idx.TotalSize {
		return nil, xerrors.Errorf("last chunk starts at %d beyond stream end %d",
			idx.Chunks[n-1].Offset, idx.TotalSize)
	}
	return idx, nil
}
