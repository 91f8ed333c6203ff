package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	if _, err := rng.Read(data); err != nil {
		t.Fatalf("failed to generate test data: %v", err)
	}
	return data
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1023, 1024, 1025, 10 * 1024}
	for _, size := range sizes {
		data := randomBytes(t, size)

		manifest, chunks, err := Split("test.bin", data, 1024)
		if err != nil {
			t.Fatalf("Split failed for size %d: %v", size, err)
		}
		if err := manifest.Validate(); err != nil {
			t.Fatalf("manifest invalid for size %d: %v", size, err)
		}

		out, err := Reassemble(manifest, chunks)
		if err != nil {
			t.Fatalf("Reassemble failed for size %d: %v", size, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("round trip mismatch for size %d", size)
		}
	}
}

func TestManifestChunkCounts(t *testing.T) {
	// Evenly divisible: 10,000,000 bytes at 1,000,000 per chunk
	data := randomBytes(t, 10_000_000)
	manifest, _, err := Split("even.bin", data, 1_000_000)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if manifest.TotalChunks() != 10 {
		t.Fatalf("expected 10 chunks, got %d", manifest.TotalChunks())
	}
	if got := manifest.ChunkLength(9); got != 1_000_000 {
		t.Fatalf("expected last chunk of 1000000 bytes, got %d", got)
	}

	// Remainder case: 10,500,000 bytes
	data = randomBytes(t, 10_500_000)
	manifest, _, err = Split("odd.bin", data, 1_000_000)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if manifest.TotalChunks() != 11 {
		t.Fatalf("expected 11 chunks, got %d", manifest.TotalChunks())
	}
	if got := manifest.ChunkLength(10); got != 500_000 {
		t.Fatalf("expected last chunk of 500000 bytes, got %d", got)
	}
}

func TestVerifyChunkRejectsMutation(t *testing.T) {
	data := randomBytes(t, 4096)
	manifest, chunks, err := Split("mut.bin", data, 1024)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if err := VerifyChunk(manifest, &chunks[2]); err != nil {
		t.Fatalf("unmutated chunk should verify: %v", err)
	}

	chunks[2].Data[0] ^= 0xff
	if err := VerifyChunk(manifest, &chunks[2]); err == nil {
		t.Fatal("mutated chunk passed verification")
	}
}

func TestReassembleMissingChunk(t *testing.T) {
	data := randomBytes(t, 4096)
	manifest, chunks, err := Split("gap.bin", data, 1024)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	incomplete := append(chunks[:1:1], chunks[2:]...)
	if _, err := Reassemble(manifest, incomplete); err == nil {
		t.Fatal("Reassemble succeeded with a missing chunk")
	}
}

func TestReassembleCorruptChunk(t *testing.T) {
	data := randomBytes(t, 4096)
	manifest, chunks, err := Split("bad.bin", data, 1024)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	chunks[1].Data[10] ^= 0x01
	if _, err := Reassemble(manifest, chunks); err == nil {
		t.Fatal("Reassemble succeeded with a corrupt chunk")
	}
}

func TestSplitChunksDoNotAliasInput(t *testing.T) {
	data := randomBytes(t, 2048)
	_, chunks, err := Split("alias.bin", data, 1024)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	data[0] ^= 0xff
	if chunks[0].Data[0] == data[0] {
		t.Fatal("chunk data aliases the input buffer")
	}
}
