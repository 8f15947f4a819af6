package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/service"
)

// target is the project and track a pipeline step works on
type target struct {
	project string
	track   string
}

func executePipeline(ctx context.Context, svc *service.JamzService, t target, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, svc, t, steps[startIndex+1:], waitForEnter)
}

// runSteps executes steps in order. wait blocks until the user ends a
// record or play step.
func runSteps(ctx context.Context, svc *service.JamzService, t target, steps []rune, wait func(context.Context)) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 'r':
			if _, err := recordTake(ctx, svc, t.track, wait); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			fmt.Println("Pipeline: recording completed")

		case 'm':
			path, err := exportMix(ctx, svc, "", nil)
			if err != nil {
				return fmt.Errorf("pipeline mix failed: %w", err)
			}
			fmt.Printf("Pipeline: mix written to %s\n", path)

		case 'p':
			if err := playProject(ctx, svc, nil, wait); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
	}

	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'm': true, // mix
		'p': true, // play
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
	}

	return nil
}

// waitForEnter blocks until a line is read from stdin or ctx is done
func waitForEnter(ctx context.Context) {
	fmt.Println("Press Enter to stop...")
	line := make(chan struct{})
	go func() {
		bufio.NewScanner(os.Stdin).Scan()
		close(line)
	}()
	select {
	case <-line:
	case <-ctx.Done():
	}
}

// waitForInterrupt blocks until Ctrl+C, SIGTERM or ctx is done
func waitForInterrupt(ctx context.Context) {
	fmt.Println("Press Ctrl+C to stop...")
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
}

// recordTake records onto trackRef of the open project until wait
// returns. An empty trackRef records onto a new track.
func recordTake(ctx context.Context, svc *service.JamzService, trackRef string, wait func(context.Context)) (*project.Clip, error) {
	p := svc.CurrentProject()
	if p == nil {
		return nil, service.ErrNoOpenProject
	}

	var trackID, trackName string
	if trackRef == "" {
		t, err := svc.AddTrack(ctx, "", project.KindAudio)
		if err != nil {
			return nil, err
		}
		trackID, trackName = t.ID, t.Name
	} else {
		t, err := resolveTrack(p, trackRef)
		if err != nil {
			return nil, err
		}
		trackID, trackName = t.ID, t.Name
	}

	if err := svc.StartRecording(ctx, trackID); err != nil {
		return nil, err
	}
	st := svc.State()
	fmt.Printf("Recording on %s from beat %.2f\n", trackName, st.CurrentBeat)
	if session := svc.RecordingSession(); session != nil {
		slog.Debug("Recording session", "sample_rate", session.SampleRate, "channels", session.Channels)
	}

	wait(ctx)

	slog.Info("Stopping recording...")
	clip, err := svc.StopRecording(context.WithoutCancel(ctx))
	svc.Stop()
	if clip == nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	if err != nil {
		slog.Warn("Recording stored but could not be decoded", "clip", clip.Name, "error", err)
	}
	fmt.Printf("Recorded %s: %.2f beats at beat %.2f\n", clip.Name, clip.LengthBeats, clip.StartBeat)
	return clip, nil
}

// playProject plays the open project from beat (or the loop start) until
// wait returns. Without a loop, playback also ends after the last clip.
func playProject(ctx context.Context, svc *service.JamzService, from *float64, wait func(context.Context)) error {
	p := svc.CurrentProject()
	if p == nil {
		return service.ErrNoOpenProject
	}

	start := p.LoopStart
	if from != nil {
		start = *from
	}
	end := contentEnd(p)

	finished := make(chan struct{})
	var closed bool
	lastBeat := -1
	unsubscribe := svc.Subscribe(func(st engine.State) {
		if beat := int(st.CurrentBeat); beat != lastBeat {
			lastBeat = beat
			fmt.Printf("\r♪ beat %d  master %.2f   ", beat+1, st.MasterLevel)
		}
		if !p.LoopEnabled && st.CurrentBeat >= end && !closed {
			closed = true
			close(finished)
		}
	})
	defer unsubscribe()

	if err := svc.PlayFrom(ctx, start); err != nil {
		return err
	}
	defer svc.Stop()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-finished:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	wait(waitCtx)
	fmt.Println()
	return nil
}

// contentEnd is the beat where the last clip ends
func contentEnd(p *project.Project) float64 {
	end := p.LoopEnd
	for _, t := range p.Tracks {
		for _, c := range t.Clips {
			if e := c.StartBeat + c.LengthBeats; e > end {
				end = e
			}
		}
	}
	return end
}
