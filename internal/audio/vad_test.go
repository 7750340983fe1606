package audio

import (
	"testing"
	"time"
)

func tone(amplitude int16, d time.Duration, rate int) []byte {
	samples := make([]int16, int(int64(rate)*int64(d)/int64(time.Second)))
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return SamplesToBytes(samples)
}

func TestVAD_DetectsSpeech(t *testing.T) {
	v := NewVAD(DefaultVADConfig(16000))

	res := v.Process(tone(5000, 100*time.Millisecond, 16000))
	if !res.Speaking || !res.SpeechStarted {
		t.Errorf("Expected speech to start, got %+v", res)
	}
	if v.Heard() != 100*time.Millisecond {
		t.Errorf("Expected 100ms heard, got %v", v.Heard())
	}

	res = v.Process(tone(5000, 20*time.Millisecond, 16000))
	if res.SpeechStarted {
		t.Error("Speech start must be reported once")
	}
}

func TestVAD_Silence(t *testing.T) {
	v := NewVAD(DefaultVADConfig(16000))

	res := v.Process(tone(10, time.Second, 16000))
	if res.Speaking || res.SpeechStarted {
		t.Errorf("Expected silence, got %+v", res)
	}
	if v.Heard() != 0 || v.Elapsed() != time.Second {
		t.Errorf("Unexpected heard %v elapsed %v", v.Heard(), v.Elapsed())
	}
}

func TestVAD_SpeechToSilence(t *testing.T) {
	cfg := DefaultVADConfig(8000)
	cfg.HangoverFrames = 5
	v := NewVAD(cfg)

	v.Process(tone(5000, 60*time.Millisecond, 8000))
	res := v.Process(tone(0, 80*time.Millisecond, 8000))
	if res.SpeechEnded || !res.Speaking {
		t.Errorf("Expected speech to continue within hangover, got %+v", res)
	}

	res = v.Process(tone(0, 20*time.Millisecond, 8000))
	if !res.SpeechEnded || res.Speaking {
		t.Errorf("Expected speech to end after hangover, got %+v", res)
	}
}

func TestVAD_PartialFrames(t *testing.T) {
	v := NewVAD(DefaultVADConfig(16000))
	chunk := tone(5000, 20*time.Millisecond, 16000)

	v.Process(chunk[:100])
	if v.Elapsed() != 0 {
		t.Errorf("Expected partial frame to be carried over, got %v", v.Elapsed())
	}
	v.Process(chunk[100:])
	if v.Elapsed() != 20*time.Millisecond {
		t.Errorf("Expected one frame, got %v", v.Elapsed())
	}

	v.Reset()
	if v.Elapsed() != 0 || v.Speaking() {
		t.Error("Expected reset state")
	}
}
