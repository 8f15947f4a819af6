package stems

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/dsp"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/storage"
)

// filterQ matches the resonance used for the band-limiting filters
const filterQ = 0.7

// FilterChain returns the fixed EQ used to approximate a stem. It is a
// frequency split, not source separation.
func FilterChain(stem StemType, sampleRate int) dsp.Chain {
	rate := float64(sampleRate)
	switch stem {
	case Vocals:
		return dsp.Chain{
			dsp.NewHighpass(300, rate, filterQ),
			dsp.NewLowpass(3500, rate, filterQ),
		}
	case Drums:
		return dsp.Chain{
			dsp.NewLowShelf(150, rate, 6),
			dsp.NewPeaking(800, rate, 1, -6),
			dsp.NewHighShelf(5000, rate, 3),
		}
	case Bass:
		return dsp.Chain{
			dsp.NewLowpass(250, rate, filterQ),
			dsp.NewLowShelf(100, rate, 3),
		}
	default:
		return dsp.Chain{
			dsp.NewHighpass(200, rate, filterQ),
			dsp.NewLowpass(5000, rate, filterQ),
		}
	}
}

// ApproximateStem filters every channel of src through the stem's chain
func ApproximateStem(src *audio.Buffer, stem StemType) *audio.Buffer {
	out := audio.NewBuffer(src.NumChannels(), src.Len(), src.SampleRate)
	for ch := range src.Data {
		copy(out.Data[ch], src.Data[ch])
		FilterChain(stem, src.SampleRate).ProcessBlock(out.Data[ch])
	}
	return out
}

func (c *Client) separateLocally(ctx context.Context, data []byte, stems []StemType, rep reporter) ([]Result, error) {
	rep.update(StatusProcessing, 20, "Processing audio locally...", "")

	src, err := c.Decoder.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	results := make([]Result, 0, len(stems))
	for i, stem := range stems {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pct := 20 + float64(i+1)/float64(len(stems))*70
		rep.update("", pct, fmt.Sprintf("Extracting %s...", stem), stem)

		buf := ApproximateStem(src, stem)
		results = append(results, Result{
			Type:          stem,
			Buffer:        buf,
			AudioURL:      storage.DataURL("audio/wav", encode.WAV(buf)),
			WaveformPeaks: audio.Peaks(buf, PeakSegments),
			Provenance:    ProvenanceLocal,
		})
	}

	rep.update(StatusComplete, 100, "Stem separation complete!", "")
	return results, nil
}
