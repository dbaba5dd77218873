// Package mock provides test doubles for the stt package interfaces.
//
// Use Recognizer to script recognition results and inspect the audio that
// was submitted.
//
// Example:
//
//	r := &mock.Recognizer{
//	    Results: []stt.Result{{Text: "hello"}, {Text: ""}},
//	}
//	res, _ := r.Transcribe(ctx, audio, "en")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// Audio is the audio passed to Transcribe. PCM is copied.
	Audio stt.Audio

	// LanguageHint is the hint passed to Transcribe.
	LanguageHint string
}

// Recognizer is a mock implementation of stt.Recognizer.
//
// Results and Errs are consumed one entry per call, in order. When Results
// is exhausted, Result is returned. A non-nil entry in Errs (or Err, once
// Errs is exhausted) takes precedence over the result for that call.
type Recognizer struct {
	mu sync.Mutex

	// Results are returned in order, one per call.
	Results []stt.Result

	// Result is returned once Results is exhausted.
	Result stt.Result

	// Errs are returned in order, one per call.
	Errs []error

	// Err is returned once Errs is exhausted.
	Err error

	// Delay, if positive, makes Transcribe wait before returning. The wait
	// is abandoned with ctx.Err() when ctx is cancelled.
	Delay time.Duration

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (r *Recognizer) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	r.mu.Lock()
	cp := a
	cp.PCM = append([]byte(nil), a.PCM...)
	r.Calls = append(r.Calls, TranscribeCall{Audio: cp, LanguageHint: languageHint})

	res := r.Result
	if len(r.Results) > 0 {
		res = r.Results[0]
		r.Results = r.Results[1:]
	}
	err := r.Err
	if len(r.Errs) > 0 {
		err = r.Errs[0]
		r.Errs = r.Errs[1:]
	}
	delay := r.Delay
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls so far.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
