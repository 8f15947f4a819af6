package encode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/audiolibrelab/jamz/internal/audio"
)

func testBuffer(frames int) *audio.Buffer {
	b := audio.NewBuffer(2, frames, 44100)
	for i := 0; i < frames; i++ {
		b.Data[0][i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 44100))
		b.Data[1][i] = float32(-0.5 * math.Cos(2*math.Pi*220*float64(i)/44100))
	}
	// full scale and out of range samples
	b.Data[0][0] = 1
	b.Data[1][0] = -1
	b.Data[0][1] = 1.7
	b.Data[1][1] = -2
	return b
}

func TestWAV_Header(t *testing.T) {
	buf := testBuffer(1000)
	data := WAV(buf)

	if len(data) != 44+1000*2*2 {
		t.Fatalf("Expected %d bytes, got %d", 44+4000, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		t.Error("Unexpected chunk ids")
	}
	if riff := binary.LittleEndian.Uint32(data[4:8]); int(riff) != len(data)-8 {
		t.Errorf("riffSize = %d, want %d", riff, len(data)-8)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); int(size) != len(data)-44 {
		t.Errorf("dataSize = %d, want %d", size, len(data)-44)
	}
	if ch := binary.LittleEndian.Uint16(data[22:24]); ch != 2 {
		t.Errorf("channels = %d, want 2", ch)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 44100 {
		t.Errorf("sampleRate = %d, want 44100", rate)
	}
	if bps := binary.LittleEndian.Uint16(data[34:36]); bps != 16 {
		t.Errorf("bitsPerSample = %d, want 16", bps)
	}
}

// Decodes with go-audio/wav rather than our own reader
func TestWAV_RoundTripIndependentDecoder(t *testing.T) {
	buf := testBuffer(4096)
	data := WAV(buf)

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("go-audio/wav rejected the file")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer failed: %v", err)
	}
	if pcm.Format.NumChannels != 2 || pcm.Format.SampleRate != 44100 || dec.BitDepth != 16 {
		t.Fatalf("Unexpected format %+v, bit depth %d", pcm.Format, dec.BitDepth)
	}
	if len(pcm.Data) != 4096*2 {
		t.Fatalf("Expected %d samples, got %d", 4096*2, len(pcm.Data))
	}

	for i := 0; i < 4096; i++ {
		for ch := 0; ch < 2; ch++ {
			want := float64(buf.Data[ch][i])
			want = math.Max(-1, math.Min(1, want))
			got := float64(audio.PCM16ToFloat(int16(pcm.Data[i*2+ch])))
			if d := math.Abs(got - want); d > 1.0/32768 {
				t.Fatalf("frame %d ch %d: got %v want %v (diff %v)", i, ch, got, want, d)
			}
		}
	}
	if pcm.Data[0] != 32767 || pcm.Data[1] != -32768 || pcm.Data[2] != 32767 || pcm.Data[3] != -32768 {
		t.Errorf("Expected clamped full scale samples, got %v", pcm.Data[:4])
	}
}

type fakeMp3 struct {
	blocks   []int
	flushed  bool
	failAt   int
	channels int
	kbps     int
}

func (f *fakeMp3) EncodeBlock(left, right []int16) ([]byte, error) {
	if f.failAt > 0 && len(f.blocks)+1 == f.failAt {
		return nil, errors.New("encoder broke")
	}
	f.blocks = append(f.blocks, len(left))
	return []byte{byte(len(f.blocks))}, nil
}

func (f *fakeMp3) Flush() ([]byte, error) {
	f.flushed = true
	return []byte("END"), nil
}

func TestMP3_Blocks(t *testing.T) {
	fake := &fakeMp3{}
	factory := func(sampleRate, channels, kbps int) (Mp3Encoder, error) {
		fake.channels, fake.kbps = channels, kbps
		return fake, nil
	}
	out, err := MP3(testBuffer(1152*2+100), factory, 0)
	if err != nil {
		t.Fatalf("MP3 failed: %v", err)
	}
	if want := []int{1152, 1152, 100}; len(fake.blocks) != 3 || fake.blocks[0] != want[0] || fake.blocks[2] != want[2] {
		t.Errorf("Unexpected block sizes %v", fake.blocks)
	}
	if !fake.flushed {
		t.Error("Expected Flush to be called")
	}
	if fake.kbps != DefaultMp3Bitrate || fake.channels != 2 {
		t.Errorf("Expected 192 kbps stereo, got %d kbps %d ch", fake.kbps, fake.channels)
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 'E', 'N', 'D'}) {
		t.Errorf("Expected blobs concatenated in emission order, got %v", out)
	}
}

func TestMP3_EncoderError(t *testing.T) {
	fake := &fakeMp3{failAt: 2}
	factory := func(int, int, int) (Mp3Encoder, error) { return fake, nil }
	if _, err := MP3(testBuffer(3000), factory, 128); err == nil {
		t.Error("Expected encoder error to propagate")
	}
}

func TestEncoder(t *testing.T) {
	enc := &Encoder{NewMp3: func(int, int, int) (Mp3Encoder, error) { return &fakeMp3{}, nil }}
	data, err := enc.Encode(testBuffer(10), FormatWAV)
	if err != nil || len(data) != 44+40 {
		t.Errorf("Unexpected wav encode result: %d bytes, %v", len(data), err)
	}
	if _, err := enc.Encode(testBuffer(10), FormatMP3); err != nil {
		t.Errorf("Unexpected mp3 error: %v", err)
	}
	if _, err := (&Encoder{}).Encode(testBuffer(10), FormatMP3); err == nil {
		t.Error("Expected error without an mp3 encoder")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"wav": FormatWAV, "MP3": FormatMP3, ".wav": FormatWAV} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("flac"); err == nil {
		t.Error("Expected error for flac")
	}
	if FormatMP3.ContentType() != "audio/mpeg" {
		t.Errorf("Unexpected content type %s", FormatMP3.ContentType())
	}
}

func TestWriteWAVFile(t *testing.T) {
	buf := testBuffer(2000)
	path := filepath.Join(t.TempDir(), "stem.wav")

	if err := WriteWAVFile(path, buf); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := audio.DecodeWAV(f)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if got.NumChannels() != 2 || got.Len() != 2000 || got.SampleRate != 44100 {
		t.Fatalf("Expected 2ch 2000 frames at 44100, got %dch %d frames at %d", got.NumChannels(), got.Len(), got.SampleRate)
	}
	for ch := 0; ch < 2; ch++ {
		for i := 2; i < 2000; i += 97 {
			if d := math.Abs(float64(got.Data[ch][i] - buf.Data[ch][i])); d > 1.0/16384 {
				t.Fatalf("sample %d/%d differs by %f", ch, i, d)
			}
		}
	}
}

func TestWriteWAVFile_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "stem.wav")
	if err := WriteWAVFile(path, testBuffer(10)); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
