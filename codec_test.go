// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import "testing"

// TestCodecArbitraryChunking feeds the same stream of frames to the
// codec split at every possible byte boundary, mirroring spec.md's
// streaming-robustness requirement that decode() never assume frames
// arrive aligned with Read() boundaries.
func TestCodecArbitraryChunking(t *testing.T) {
	stream := []byte("PING\r\n" +
		"MSG\tfoo.bar\t9\t5\r\nhello\r\n" +
		"+OK\r\n" +
		"PONG\r\n")

	for chunkSize := 1; chunkSize <= len(stream); chunkSize++ {
		var codec frameCodec
		var ops []Op
		for i := 0; i < len(stream); i += chunkSize {
			end := i + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			codec.feed(stream[i:end])
			for {
				op, ok, err := codec.decode()
				if err != nil {
					t.Fatalf("chunkSize=%d: decode error: %v", chunkSize, err)
				}
				if !ok {
					break
				}
				ops = append(ops, op)
			}
		}
		if len(ops) != 4 {
			t.Fatalf("chunkSize=%d: expected 4 ops, got %d", chunkSize, len(ops))
		}
		if ops[0].Kind != OpPing || ops[1].Kind != OpMsg || ops[2].Kind != OpOK || ops[3].Kind != OpPong {
			t.Fatalf("chunkSize=%d: unexpected op sequence: %+v", chunkSize, ops)
		}
		if ops[1].Msg.Subject != "foo.bar" || ops[1].Msg.Sid != "9" || string(ops[1].Msg.Payload) != "hello" {
			t.Fatalf("chunkSize=%d: unexpected MSG decode: %+v", chunkSize, ops[1].Msg)
		}
	}
}

// TestCodecResumesWithoutRescanning checks that a partial command name
// fed byte-by-byte does not get rejected merely for not yet matching a
// known command.
func TestCodecResumesWithoutRescanning(t *testing.T) {
	var codec frameCodec
	for _, b := range []byte("PI") {
		codec.feed([]byte{b})
		_, ok, err := codec.decode()
		if err != nil {
			t.Fatalf("unexpected error on partial command: %v", err)
		}
		if ok {
			t.Fatalf("did not expect a complete frame yet")
		}
	}
	codec.feed([]byte("NG\r\n"))
	op, ok, err := codec.decode()
	if err != nil || !ok {
		t.Fatalf("expected PING frame to complete, ok=%v err=%v", ok, err)
	}
	if op.Kind != OpPing {
		t.Fatalf("expected OpPing, got %d", op.Kind)
	}
}

func TestCodecRejectsBadLengthMsg(t *testing.T) {
	var codec frameCodec
	codec.feed([]byte("MSG\tfoo\t1\t99\r\nshort\r\n"))
	_, _, err := codec.decode()
	if err == nil {
		t.Fatalf("expected a protocol error for mismatched declared length")
	}
}
