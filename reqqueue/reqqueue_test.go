package reqqueue

import "testing"

func TestCreateRequestsForPieceCoversWholePiece(t *testing.T) {
	q := New(4)
	q.CreateRequestsForPiece(0, 40000)

	want := (40000 + MaxBlockSize - 1) / MaxBlockSize
	if len(q.requests) != want {
		t.Fatalf("expected %d requests, got %d", want, len(q.requests))
	}

	sum := 0
	for _, r := range q.requests {
		sum += r.Length
	}
	if sum != 40000 {
		t.Fatalf("expected requests to sum to 40000, got %d", sum)
	}
}

func TestSendRequestsRespectsMaxPending(t *testing.T) {
	q := New(2)
	q.CreateRequestsForPiece(0, MaxBlockSize*5)

	msgs, done := q.SendRequests()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (max_pending), got %d", len(msgs))
	}
	if done {
		t.Fatal("expected needNextPiece=false, queue not exhausted")
	}
}

func TestSendRequestsSignalsCompletionAtEnd(t *testing.T) {
	q := New(4)
	q.CreateRequestsForPiece(0, MaxBlockSize*2)

	_, done := q.SendRequests()
	if !done {
		t.Fatal("expected needNextPiece=true once forward reaches the end")
	}
}

func TestValidateBlockInOrder(t *testing.T) {
	q := New(4)
	q.CreateRequestsForPiece(0, MaxBlockSize*2)
	q.SendRequests()

	ok, done := q.ValidateBlock(0, 0, MaxBlockSize)
	if !ok || done {
		t.Fatalf("first block: ok=%v done=%v", ok, done)
	}

	ok, done = q.ValidateBlock(0, MaxBlockSize, MaxBlockSize)
	if !ok || !done {
		t.Fatalf("last block: ok=%v done=%v", ok, done)
	}
	if !q.Empty() {
		t.Fatal("expected queue compacted to empty after piece completion")
	}
}

func TestValidateBlockRejectsMismatch(t *testing.T) {
	q := New(4)
	q.CreateRequestsForPiece(0, MaxBlockSize)
	q.SendRequests()

	if ok, _ := q.ValidateBlock(0, 4, MaxBlockSize); ok {
		t.Fatal("expected mismatch to be rejected")
	}
}

func TestAssignedPiecesAndReset(t *testing.T) {
	q := New(4)
	q.CreateRequestsForPiece(3, MaxBlockSize)
	q.SendRequests()

	assigned := q.AssignedPieces()
	if _, ok := assigned[3]; !ok || len(assigned) != 1 {
		t.Fatalf("expected {3}, got %v", assigned)
	}

	q.Reset()
	if !q.Empty() {
		t.Fatal("expected empty queue after Reset")
	}
}
