package audio

import "time"

// VADConfig configures energy based voice activity detection.
type VADConfig struct {
	SampleRate      int
	Frame           time.Duration
	EnergyThreshold float64 // RMS level above which a frame counts as speech
	HangoverFrames  int     // silent frames before speech is considered over
}

// DefaultVADConfig returns 20ms frames at sampleRate.
func DefaultVADConfig(sampleRate int) VADConfig {
	return VADConfig{
		SampleRate:      sampleRate,
		Frame:           20 * time.Millisecond,
		EnergyThreshold: 500,
		HangoverFrames:  15,
	}
}

// VADResult summarises one Process call.
type VADResult struct {
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
}

// VAD tracks speech activity over a PCM16 stream. It is not safe for
// concurrent use.
type VAD struct {
	cfg        VADConfig
	frameBytes int
	pending    []byte
	silent     int
	speaking   bool
	heard      time.Duration
	total      time.Duration
}

func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Frame <= 0 {
		cfg.Frame = 20 * time.Millisecond
	}
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = 1
	}
	frameSamples := int(int64(cfg.SampleRate) * int64(cfg.Frame) / int64(time.Second))
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &VAD{cfg: cfg, frameBytes: frameSamples * BytesPerSample}
}

// Process consumes a chunk of PCM16. Partial frames are carried over to the
// next call.
func (v *VAD) Process(pcm []byte) VADResult {
	var res VADResult
	v.pending = append(v.pending, pcm...)

	for len(v.pending) >= v.frameBytes {
		frame := v.pending[:v.frameBytes]
		samples, _ := BytesToSamples(frame)
		v.pending = v.pending[v.frameBytes:]
		v.total += v.cfg.Frame

		if RMS(samples) > v.cfg.EnergyThreshold {
			v.heard += v.cfg.Frame
			v.silent = 0
			if !v.speaking {
				v.speaking = true
				res.SpeechStarted = true
			}
			continue
		}

		v.silent++
		if v.speaking && v.silent >= v.cfg.HangoverFrames {
			v.speaking = false
			v.silent = 0
			res.SpeechEnded = true
		}
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}

	res.Speaking = v.speaking
	return res
}

// Heard is the total duration of frames classified as speech.
func (v *VAD) Heard() time.Duration {
	return v.heard
}

// Elapsed is the total duration of audio processed.
func (v *VAD) Elapsed() time.Duration {
	return v.total
}

func (v *VAD) Speaking() bool {
	return v.speaking
}

func (v *VAD) Reset() {
	v.pending = nil
	v.silent = 0
	v.speaking = false
	v.heard = 0
	v.total = 0
}
