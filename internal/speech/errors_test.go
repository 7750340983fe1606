package speech

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code  string
		kind  ErrorKind
		fatal bool
	}{
		{CodeNotAllowed, KindPermissionDenied, true},
		{CodeServiceNotAllowed, KindPermissionDenied, true},
		{CodeNoSpeech, KindNoSpeechDetected, false},
		{CodeNetwork, KindNetwork, true},
		{CodeAudioCapture, KindAudioCaptureFailed, true},
		{CodeUnsupported, KindUnsupported, true},
		{"language-not-supported", KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := Classify(tt.code, "detail")
			if err.Kind != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, err.Kind)
			}
			if err.Fatal() != tt.fatal {
				t.Errorf("Expected fatal=%v", tt.fatal)
			}
			if err.Message == "" {
				t.Error("Expected a message")
			}
		})
	}
}

func TestClassify_UnknownKeepsPlatformMessage(t *testing.T) {
	err := Classify("bad-grammar", "grammar rejected")
	want := "An unknown error occurred: bad-grammar. Message: grammar rejected"
	if err.Message != want {
		t.Errorf("Expected %q, got %q", want, err.Message)
	}
}

func TestAsSpeechError(t *testing.T) {
	if AsSpeechError(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	wrapped := fmt.Errorf("dial: %w", Classify(CodeNetwork, ""))
	if got := AsSpeechError(wrapped); got.Kind != KindNetwork {
		t.Errorf("Expected network kind through wrapping, got %v", got.Kind)
	}
	if !IsKind(wrapped, KindNetwork) {
		t.Error("Expected IsKind to unwrap")
	}

	if got := AsSpeechError(errors.New("boom")); got.Kind != KindUnknown || got.Message != "boom" {
		t.Errorf("Unexpected classification %+v", got)
	}
}

func TestSafeCall_RecoversPanic(t *testing.T) {
	err := safeCall(func() error { panic("platform exploded") })
	if err == nil {
		t.Fatal("Expected panic to become an error")
	}
}

func TestDispatcher_OrderAndClose(t *testing.T) {
	d := newDispatcher()
	got := make(chan int, 10)
	for i := 0; i < 5; i++ {
		i := i
		d.post(func() { got <- i })
	}
	for want := 0; want < 5; want++ {
		if v := <-got; v != want {
			t.Fatalf("Expected %d, got %d", want, v)
		}
	}

	d.post(func() { panic("observer exploded") })
	d.post(func() { got <- 5 })
	select {
	case v := <-got:
		if v != 5 {
			t.Fatalf("Expected 5 after a panicking callback, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected delivery to continue after a panicking callback")
	}

	d.close()
	d.close()
	d.post(func() { got <- 99 })
	select {
	case v := <-got:
		t.Errorf("Expected no delivery after close, got %d", v)
	default:
	}
}
