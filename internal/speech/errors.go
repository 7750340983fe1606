package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned by Start while a session is listening or stopping.
	ErrSessionBusy = errors.New("speech: capture session already active")
	// ErrNotListening is returned when audio arrives outside a listening session.
	ErrNotListening = errors.New("speech: not listening")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("speech: closed")
	// ErrEmptyText is returned by Speak for blank text.
	ErrEmptyText = errors.New("speech: empty text")
)

// ErrorKind is the speech error taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindNoSpeechDetected
	KindNetwork
	KindAudioCaptureFailed
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNoSpeechDetected:
		return "no_speech"
	case KindNetwork:
		return "network"
	case KindAudioCaptureFailed:
		return "audio_capture"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Platform error codes understood by Classify.
const (
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeNoSpeech          = "no-speech"
	CodeNetwork           = "network"
	CodeAudioCapture      = "audio-capture"
	CodeAborted           = "aborted"
	CodeUnsupported       = "unsupported"
)

// SpeechError is a platform failure translated into the taxonomy. Message is
// meant for display to the user.
type SpeechError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *SpeechError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("speech %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("speech %s: %s", e.Kind, e.Message)
}

// Fatal reports whether the error ends the capture session.
func (e *SpeechError) Fatal() bool {
	return e.Kind != KindNoSpeechDetected
}

// ErrUnsupported is what a missing recognition capability reports.
var ErrUnsupported = &SpeechError{
	Kind:    KindUnsupported,
	Code:    CodeUnsupported,
	Message: "Speech recognition is not supported in this environment.",
}

// ErrPlaybackUnsupported is what a missing synthesis capability reports.
var ErrPlaybackUnsupported = &SpeechError{
	Kind:    KindUnsupported,
	Code:    CodeUnsupported,
	Message: "Speech playback is not supported in this environment.",
}

// Classify translates a platform error code into a SpeechError.
func Classify(code, message string) *SpeechError {
	e := &SpeechError{Code: code}
	switch code {
	case CodeNotAllowed, CodeServiceNotAllowed:
		e.Kind = KindPermissionDenied
		e.Message = "Microphone permission was denied. Please allow microphone access in your browser's settings and refresh the page."
	case CodeNoSpeech:
		e.Kind = KindNoSpeechDetected
		e.Message = "No speech was detected. Please check your microphone and try again."
	case CodeNetwork:
		e.Kind = KindNetwork
		e.Message = "A network error occurred with the speech recognition service. Please check your internet connection."
	case CodeAudioCapture:
		e.Kind = KindAudioCaptureFailed
		e.Message = "Failed to capture audio. Please ensure your microphone is connected and not in use by another application."
	case CodeUnsupported:
		e.Kind = KindUnsupported
		e.Message = ErrUnsupported.Message
	default:
		e.Kind = KindUnknown
		e.Message = fmt.Sprintf("An unknown error occurred: %s.", code)
		if message != "" {
			e.Message += " Message: " + message
		}
	}
	return e
}

// AsSpeechError returns err as a SpeechError, classifying anything else as Unknown.
func AsSpeechError(err error) *SpeechError {
	if err == nil {
		return nil
	}
	var serr *SpeechError
	if errors.As(err, &serr) {
		return serr
	}
	return &SpeechError{Kind: KindUnknown, Message: err.Error()}
}

// IsKind reports whether err is a SpeechError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var serr *SpeechError
	return errors.As(err, &serr) && serr.Kind == kind
}

// safeCall runs a platform call, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speech platform panic: %v", r)
		}
	}()
	return fn()
}
