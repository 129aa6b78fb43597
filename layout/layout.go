// Package layout maps piece indices to the file(s) they span, handles
// preallocation of the on-disk download tree, a resume scan that
// verifies already-complete pieces by SHA-1, and write-out of newly
// completed pieces to the right byte ranges of the right files.
//
// Grounded on _examples/original_source/include/file_handler.hpp and
// its .cpp (FileHandler: is_piece_part_of_file, preallocate_file,
// read_piece, write_piece), adapted from one-FileHandler-per-file with
// a std::set<size_t> of piece indices into a []fileEntry table keyed
// by [firstPiece,lastPiece] ranges plus left/right offsets, os.File
// replacing std::fstream, and io.ReaderAt/WriterAt in place of
// seekg/seekp.
package layout

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"leechcraft/bitfield"
	"leechcraft/metainfo"
)

// fileEntry is one file's placement within the piece space.
type fileEntry struct {
	file        metainfo.File
	path        string
	firstPiece  int
	lastPiece   int
	leftOffset  int64 // bytes of firstPiece belonging to an earlier file
	rightOffset int64 // bytes of lastPiece belonging to a later file
}

// Layout owns the on-disk representation of a torrent's files and
// answers piece-range and read/write questions against it.
type Layout struct {
	info        *metainfo.Info
	downloadDir string
	files       []fileEntry
}

// New builds a Layout for info, rooted at downloadDir (the
// downloads/ directory from spec.md §6's filesystem layout).
func New(info *metainfo.Info, downloadDir string) *Layout {
	l := &Layout{
		info:        info,
		downloadDir: downloadDir,
	}
	l.buildFileEntries()
	return l
}

func (l *Layout) buildFileEntries() {
	pieceLen := l.info.PieceLength
	l.files = make([]fileEntry, len(l.info.Files))

	var cursor int64 // byte offset into the concatenated virtual file space
	for i, f := range l.info.Files {
		start := cursor
		end := cursor + f.Length // exclusive

		firstPiece := int(start / pieceLen)
		lastPiece := int((end - 1) / pieceLen)
		if f.Length == 0 {
			lastPiece = firstPiece
		}

		leftOffset := start - int64(firstPiece)*pieceLen
		rightOffset := (int64(lastPiece)+1)*pieceLen - end
		if rightOffset < 0 {
			rightOffset = 0
		}
		if i == len(l.info.Files)-1 {
			rightOffset = 0
		}

		l.files[i] = fileEntry{
			file:        f,
			path:        filepath.Join(l.downloadDir, l.info.FilePath(f)),
			firstPiece:  firstPiece,
			lastPiece:   lastPiece,
			leftOffset:  leftOffset,
			rightOffset: rightOffset,
		}
		cursor = end
	}
}

// pieceInFile reports -1 if index lies before fe's range, 1 if after,
// 0 if within.
func pieceInFile(fe fileEntry, index int) int {
	if index < fe.firstPiece {
		return -1
	}
	if index > fe.lastPiece {
		return 1
	}
	return 0
}

// Preallocate creates parent directories and resizes every file to
// its declared length, creating it first if absent.
func (l *Layout) Preallocate() error {
	for _, fe := range l.files {
		if err := os.MkdirAll(filepath.Dir(fe.path), 0o755); err != nil {
			return fmt.Errorf("layout: mkdir for %s: %w", fe.path, err)
		}
		f, err := os.OpenFile(fe.path, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("layout: create %s: %w", fe.path, err)
		}
		err = f.Truncate(fe.file.Length)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("layout: truncate %s: %w", fe.path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("layout: close %s: %w", fe.path, closeErr)
		}
	}
	return nil
}

// ReadPiece reads piece index's full contents (length info.PieceSize(index))
// across whichever files contribute to it.
func (l *Layout) ReadPiece(index int) ([]byte, error) {
	size := l.info.PieceSize(index)
	buf := make([]byte, size)
	pieceLen := l.info.PieceLength

	for _, fe := range l.files {
		if pieceInFile(fe, index) != 0 {
			continue
		}

		bytesToRead := pieceLen
		offsetPiece := int64(0)
		offsetFile := int64(0)

		if fe.firstPiece == index {
			bytesToRead -= fe.leftOffset
			offsetPiece = fe.leftOffset
		} else {
			offsetFile = pieceLen - fe.leftOffset
		}
		if fe.lastPiece == index {
			bytesToRead -= fe.rightOffset
		}
		if size < pieceLen && index == fe.lastPiece {
			bytesToRead = size - offsetPiece
		}

		diff := index - fe.firstPiece
		if diff != 0 {
			offsetFile += pieceLen * int64(diff-1)
		}

		if err := readAt(fe.path, buf[offsetPiece:offsetPiece+bytesToRead], offsetFile); err != nil {
			return nil, fmt.Errorf("layout: read piece %d from %s: %w", index, fe.path, err)
		}
	}
	return buf, nil
}

func readAt(path string, dst []byte, offset int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(dst, offset)
	return err
}

// WritePiece writes a completed piece's bytes to every file whose
// range intersects it, skipping bytes that belong to adjacent pieces.
// The byte count per file mirrors ReadPiece's leftOffset/rightOffset
// bookkeeping exactly (not fe.file.Length, which overruns a file's
// declared size whenever a piece straddles a file boundary).
func (l *Layout) WritePiece(index int, data []byte) error {
	pieceLen := l.info.PieceLength

	for _, fe := range l.files {
		if pieceInFile(fe, index) != 0 {
			continue
		}

		bytesToWrite := pieceLen
		offsetPiece := int64(0)
		offsetFile := int64(0)

		if fe.firstPiece == index {
			bytesToWrite -= fe.leftOffset
			offsetPiece = fe.leftOffset
		} else {
			offsetFile = pieceLen - fe.leftOffset
		}
		if fe.lastPiece == index {
			bytesToWrite -= fe.rightOffset
		}

		diff := index - fe.firstPiece
		if diff != 0 {
			offsetFile += pieceLen * int64(diff-1)
		}

		start := offsetPiece
		end := offsetPiece + bytesToWrite
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if start > int64(len(data)) {
			start = int64(len(data))
		}

		if err := writeAt(fe.path, data[start:end], offsetFile); err != nil {
			return fmt.Errorf("layout: write piece %d to %s: %w", index, fe.path, err)
		}
	}
	return nil
}

func writeAt(path string, src []byte, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(src, offset)
	return err
}

// ResumeScan reads every piece from disk, verifies it against the
// declared SHA-1, and returns a bitfield with the matching bits set.
// Pieces that fail to read or whose hash does not match (e.g. a fresh
// preallocated file full of zero bytes) are simply left unset, not
// treated as an error.
func (l *Layout) ResumeScan() (*bitfield.Bitfield, error) {
	bf := bitfield.New(l.info.NumPieces())

	for i := 0; i < l.info.NumPieces(); i++ {
		data, err := l.ReadPiece(i)
		if err != nil {
			continue
		}
		if sha1.Sum(data) == l.info.PieceHashes[i] {
			bf.Set(i, true)
		}
	}
	return bf, nil
}
