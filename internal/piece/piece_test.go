package piece

import "testing"

func TestPieceCount(t *testing.T) {
	cases := []struct {
		total    int64
		pieceLen int32
		want     int
	}{
		{64, 16, 4},
		{30, 16, 2},
		{0, 16, 0},
		{16, 0, 0},
	}

	for _, c := range cases {
		if got := PieceCount(c.total, c.pieceLen); got != c.want {
			t.Errorf("PieceCount(%d, %d) = %d, want %d", c.total, c.pieceLen, got, c.want)
		}
	}
}

func TestPieceOffsetBoundsLastPieceShort(t *testing.T) {
	start, end, err := PieceOffsetBounds(1, 30, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != 16 || end != 30 {
		t.Fatalf("bounds = [%d,%d), want [16,30)", start, end)
	}
}

func TestPieceOffsetBoundsOutOfRange(t *testing.T) {
	if _, _, err := PieceOffsetBounds(2, 30, 16); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestPieceLengthAt(t *testing.T) {
	full, err := PieceLengthAt(0, 30, 16)
	if err != nil || full != 16 {
		t.Fatalf("PieceLengthAt(0) = %d, %v, want 16, nil", full, err)
	}

	short, err := PieceLengthAt(1, 30, 16)
	if err != nil || short != 14 {
		t.Fatalf("PieceLengthAt(1) = %d, %v, want 14, nil", short, err)
	}
}

func TestBlockCountForPiece(t *testing.T) {
	if got := BlockCountForPiece(16, 4); got != 4 {
		t.Fatalf("BlockCountForPiece(16,4) = %d, want 4", got)
	}
	if got := BlockCountForPiece(16, 64); got != 1 {
		t.Fatalf("BlockCountForPiece(16,64) = %d, want 1", got)
	}
}

func TestBlockOffsetBoundsClampsLastBlock(t *testing.T) {
	begin, length, err := BlockOffsetBounds(16, 64, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if begin != 0 || length != 16 {
		t.Fatalf("bounds = (%d,%d), want (0,16)", begin, length)
	}
}

func TestBlockOffsetBoundsOutOfRange(t *testing.T) {
	if _, _, err := BlockOffsetBounds(16, 4, 4); err == nil {
		t.Fatal("expected out-of-range error")
	}
}
