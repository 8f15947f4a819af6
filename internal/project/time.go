package project

// BeatsToSeconds converts a beat count to seconds at the given tempo
func BeatsToSeconds(beats, bpm float64) float64 {
	return beats * 60 / bpm
}

// SecondsToBeats converts seconds to a beat count at the given tempo
func SecondsToBeats(seconds, bpm float64) float64 {
	return seconds * bpm / 60
}

// DurationSeconds returns the length of the loop region in seconds
func (p *Project) DurationSeconds() float64 {
	return BeatsToSeconds(p.LoopEnd-p.LoopStart, p.BPM)
}

// BeatsPerBar returns the time signature numerator, defaulting to 4
func (p *Project) BeatsPerBar() int {
	if p.TimeSignature[0] <= 0 {
		return 4
	}
	return p.TimeSignature[0]
}
