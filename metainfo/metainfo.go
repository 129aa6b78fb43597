// Package metainfo parses a .torrent metainfo file: the bencoded
// dictionary of spec.md §6 (announce, announce-list, piece length,
// pieces, name, files/length, private), computing info_hash as the
// SHA-1 of the re-encoded info sub-dictionary.
//
// Grounded on the teacher's file.TorrentFile /
// bto.toTorrentFile() (_examples/niyazisuleymanov-alice/file/torrentfile.go),
// using its same github.com/jackpal/bencode-go dependency, enriched
// with the announce-list tier shuffling and single/multi-file
// normalization from
// _examples/original_source/src/metainfo_file.cpp.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

// File describes one file within the torrent, relative to the
// torrent's name (directory, for multi-file torrents).
type File struct {
	Path   []string
	Length int64
}

// Info holds the parsed metainfo file, single- and multi-file modes
// normalized to a uniform Files list.
type Info struct {
	Announce     string
	AnnounceList [][]string // BEP-12 tiers; always non-empty
	InfoHash     [20]byte
	PieceLength  int64
	PieceHashes  [][20]byte
	Files        []File
	Name         string
	Private      bool
	Comment      string
	CreatedBy    string
	CreationDate int64
}

type bencodeFileInfo struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     int               `bencode:"private,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list,omitempty"`
	CreationDate int64       `bencode:"creation date,omitempty"`
	Comment      string      `bencode:"comment,omitempty"`
	CreatedBy    string      `bencode:"created by,omitempty"`
	Info         bencodeInfo `bencode:"info"`
}

// Open parses the metainfo file at path.
func Open(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var bto bencodeTorrent
	if err := bencode.Unmarshal(f, &bto); err != nil {
		return nil, fmt.Errorf("metainfo: decode %s: %w", path, err)
	}

	return bto.toInfo()
}

func (binfo *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *binfo); err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

func (binfo *bencodeInfo) pieceHashes() ([][20]byte, error) {
	const hashLen = 20
	buf := []byte(binfo.Pieces)
	if len(buf)%hashLen != 0 {
		return nil, fmt.Errorf("metainfo: malformed pieces string of length %d", len(buf))
	}
	hashes := make([][20]byte, len(buf)/hashLen)
	for i := range hashes {
		copy(hashes[i][:], buf[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

// files normalizes single-file mode into the same []File shape as
// multi-file mode, per _examples/original_source/src/metainfo_file.cpp.
func (binfo *bencodeInfo) files() []File {
	if len(binfo.Files) == 0 {
		return []File{{Path: []string{binfo.Name}, Length: int64(binfo.Length)}}
	}
	files := make([]File, len(binfo.Files))
	for i, f := range binfo.Files {
		files[i] = File{Path: append([]string(nil), f.Path...), Length: int64(f.Length)}
	}
	return files
}

func (bto *bencodeTorrent) toInfo() (*Info, error) {
	infoHash, err := bto.Info.hash()
	if err != nil {
		return nil, err
	}

	pieceHashes, err := bto.Info.pieceHashes()
	if err != nil {
		return nil, err
	}

	tiers := bto.AnnounceList
	if len(tiers) == 0 {
		tiers = [][]string{{bto.Announce}}
	} else {
		// BEP-12 recommends shuffling each tier.
		tiers = shuffleTiers(tiers)
	}

	return &Info{
		Announce:     bto.Announce,
		AnnounceList: tiers,
		InfoHash:     infoHash,
		PieceLength:  int64(bto.Info.PieceLength),
		PieceHashes:  pieceHashes,
		Files:        bto.Info.files(),
		Name:         bto.Info.Name,
		Private:      bto.Info.Private == 1,
		Comment:      bto.Comment,
		CreatedBy:    bto.CreatedBy,
		CreationDate: bto.CreationDate,
	}, nil
}

func shuffleTiers(tiers [][]string) [][]string {
	out := make([][]string, len(tiers))
	for i, tier := range tiers {
		shuffled := append([]string(nil), tier...)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		out[i] = shuffled
	}
	return out
}

// NumPieces returns the number of pieces P.
func (info *Info) NumPieces() int {
	return len(info.PieceHashes)
}

// TotalLength returns the sum of every file's length.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// PieceSize returns the size of piece index, accounting for a short
// final piece per spec.md §9(c): Σlengths - L*(P-1), equal to L on an
// exact multiple.
func (info *Info) PieceSize(index int) int64 {
	if index != info.NumPieces()-1 {
		return info.PieceLength
	}
	total := info.TotalLength()
	return total - info.PieceLength*int64(info.NumPieces()-1)
}

// RootDir is the on-disk directory that files are written under
// relative to the downloads root: the torrent's name for multi-file
// torrents, or "." for single-file torrents (the single file is
// written directly as <name>).
func (info *Info) RootDir() string {
	if len(info.Files) > 1 {
		return info.Name
	}
	return "."
}

// FilePath returns the on-disk relative path for file f, rooted at
// RootDir().
func (info *Info) FilePath(f File) string {
	if len(info.Files) > 1 {
		return filepath.Join(append([]string{info.Name}, f.Path...)...)
	}
	return info.Name
}
