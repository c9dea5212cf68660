// Package piece contains the pure geometry math for slicing a torrent's
// total content size into pieces, and pieces into request-sized blocks.
// It holds no state of its own; internal/storage and internal/swarm both
// build on it to agree on the same offsets without depending on each other.
package piece

import "fmt"

// PieceCount returns the number of pieces totalSize is divided into at
// pieceLen bytes per piece, with the final piece possibly shorter.
func PieceCount(totalSize int64, pieceLen int32) int {
	if pieceLen <= 0 || totalSize <= 0 {
		return 0
	}
	return int((totalSize + int64(pieceLen) - 1) / int64(pieceLen))
}

// PieceOffsetBounds returns the [start, end) byte range of piece index
// within the overall content stream.
func PieceOffsetBounds(index int, totalSize int64, pieceLen int32) (start, end int64, err error) {
	pc := PieceCount(totalSize, pieceLen)
	if index < 0 || index >= pc {
		return 0, 0, fmt.Errorf("piece: index %d out of range [0,%d)", index, pc)
	}

	start = int64(index) * int64(pieceLen)
	end = start + int64(pieceLen)
	if end > totalSize {
		end = totalSize
	}

	return start, end, nil
}

// PieceLengthAt returns the actual length of piece index, accounting for a
// shorter final piece.
func PieceLengthAt(index int, totalSize int64, pieceLen int32) (int32, error) {
	start, end, err := PieceOffsetBounds(index, totalSize, pieceLen)
	if err != nil {
		return 0, err
	}
	return int32(end - start), nil
}

// BlockCountForPiece returns how many blockLen-sized requests cover a piece
// of length pieceLen.
func BlockCountForPiece(pieceLen, blockLen int32) int {
	if blockLen <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((int64(pieceLen) + int64(blockLen) - 1) / int64(blockLen))
}

// BlockOffsetBounds returns the begin offset and length of block blockIdx
// within a piece of length pieceLen, clamping the final block short.
func BlockOffsetBounds(pieceLen, blockLen int32, blockIdx int) (begin, length uint32, err error) {
	bc := BlockCountForPiece(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index %d out of range [0,%d)", blockIdx, bc)
	}

	begin = uint32(blockIdx) * uint32(blockLen)
	length = uint32(blockLen)
	if int64(begin)+int64(length) > int64(pieceLen) {
		length = uint32(int64(pieceLen) - int64(begin))
	}

	return begin, length, nil
}
