package storage

import "testing"

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{
		Offset:    42,
		Shard:     "s",
		Key:       "k",
		Tags:      []string{"a", "b"},
		Timestamp: 12345,
		Payload:   []byte("hello world"),
	}
	enc, err := r.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, n, err := decodeAt(enc)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if n != len(enc) {
		t.Errorf("decodeAt consumed %d bytes, want %d", n, len(enc))
	}
	if got.Offset != r.Offset || got.Shard != r.Shard || got.Key != r.Key ||
		got.Timestamp != r.Timestamp || string(got.Payload) != string(r.Payload) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, r)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" || got.Tags[1] != "b" {
		t.Errorf("tags not round-tripped: %v", got.Tags)
	}
}

func TestDecodeAtTruncatedPayload(t *testing.T) {
	r := Record{Offset: 1, Shard: "s", Payload: []byte("payload")}
	enc, err := r.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := decodeAt(enc[:len(enc)-2]); err == nil {
		t.Error("decodeAt should fail on a truncated record")
	}
}

func TestPadOffsetLexicalOrderMatchesNumeric(t *testing.T) {
	small, big := PadOffset(9), PadOffset(10)
	if !(small < big) {
		t.Errorf("PadOffset(9)=%q should lexically precede PadOffset(10)=%q", small, big)
	}
	if len(small) != 20 || len(big) != 20 {
		t.Errorf("PadOffset should zero-pad to 20 digits, got %d and %d", len(small), len(big))
	}
}

func TestIndexInfoEncodeDecode(t *testing.T) {
	info := IndexInfo{Shard: "s", Offset: 7, Written: 99}
	enc, err := info.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeIndexInfo(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != info {
		t.Errorf("got %+v, want %+v", got, info)
	}
}
