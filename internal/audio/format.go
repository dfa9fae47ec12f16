package audio

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// Format identifies an audio container.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatM4A     Format = "m4a"
	FormatFLAC    Format = "flac"
)

// Supported lists the containers providers accept.
func Supported() []Format {
	return []Format{FormatFLAC, FormatM4A, FormatMP3, FormatWAV}
}

// ParseFormat maps a file extension (with or without the dot) to a Format.
func ParseFormat(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, f := range Supported() {
		if string(f) == ext {
			return f
		}
	}
	return FormatUnknown
}

// ForFile sniffs data and falls back to the extension of name when the
// leading bytes are not recognized.
func ForFile(name string, data []byte) Format {
	if f := Detect(data); f != FormatUnknown {
		return f
	}
	return ParseFormat(filepath.Ext(name))
}

// Detect sniffs the container from leading magic bytes.
func Detect(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return FormatFLAC
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG frame sync
		return FormatMP3
	}
	return FormatUnknown
}

// Extension returns the file extension used when naming uploads.
func (f Format) Extension() string {
	if f == FormatUnknown {
		return "mp3"
	}
	return string(f)
}

// MIME returns the content type for uploads.
func (f Format) MIME() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatFLAC:
		return "audio/flac"
	case FormatM4A:
		return "audio/mp4"
	case FormatMP3:
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

// WAVDuration reports the length of the PCM payload of a WAV file.
func WAVDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errors.New("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("seek wav pcm: %w", err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, errors.New("wav header has zero byte rate")
	}
	return time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec), nil
}
