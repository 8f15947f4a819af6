package audio

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecode_WAV(t *testing.T) {
	pcm := AppendPCM16LE(nil, []float32{0.25, -0.25, 0.5, -0.5, 1, -1})
	blob := PCM16WAV(pcm, 22050, 2)

	buf, err := (&DefaultDecoder{}).Decode(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf.SampleRate != 22050 || buf.NumChannels() != 2 || buf.Len() != 3 {
		t.Fatalf("Unexpected format: %d Hz, %d ch, %d frames", buf.SampleRate, buf.NumChannels(), buf.Len())
	}
	if buf.Data[0][2] != 1 || buf.Data[1][2] != -1 {
		t.Errorf("Expected full scale samples, got %v %v", buf.Data[0][2], buf.Data[1][2])
	}
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := (&DefaultDecoder{}).Decode([]byte("definitely not audio"))
	if !errors.Is(err, ErrDecodeFailed) || !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected unsupported format decode failure, got %v", err)
	}
}

func TestDecode_TruncatedWAV(t *testing.T) {
	blob := PCM16WAV(nil, 44100, 1)
	if _, err := (&DefaultDecoder{}).Decode(blob); !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("Expected ErrDecodeFailed for empty wav, got %v", err)
	}
}

func TestDecode_WAVBitDepth(t *testing.T) {
	for _, depth := range []uint16{0, 4, 12, 40, 64} {
		blob := PCM16WAV(AppendPCM16LE(nil, []float32{0.5, -0.5, 0.25, -0.25}), 8000, 1)
		binary.LittleEndian.PutUint16(blob[34:36], depth)
		if _, err := (&DefaultDecoder{}).Decode(blob); !errors.Is(err, ErrDecodeFailed) {
			t.Errorf("bit depth %d: expected ErrDecodeFailed, got %v", depth, err)
		}
	}
}

func TestPCM16Conversion(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{2, 32767},
		{-3, -32768},
		{0.5, 16384},
		{-0.5, -16384},
	}
	for _, c := range cases {
		if got := FloatToPCM16(c.in); got != c.want {
			t.Errorf("FloatToPCM16(%v) = %d, want %d", c.in, got, c.want)
		}
	}
	if PCM16ToFloat(-32768) != -1 || PCM16ToFloat(32767) != 1 {
		t.Error("Expected full scale PCM to map to +/-1")
	}
}

func TestIsMP3(t *testing.T) {
	if !isMP3([]byte("ID3\x04\x00")) {
		t.Error("Expected ID3 tag to be detected")
	}
	if !isMP3([]byte{0xFF, 0xFB, 0x90}) {
		t.Error("Expected frame sync to be detected")
	}
	if isMP3([]byte("RIFF")) {
		t.Error("Did not expect RIFF to be detected as mp3")
	}
}
