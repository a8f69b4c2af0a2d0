package capture

import (
	"bytes"
	"fmt"

	"github.com/youpy/go-wav"
)

// encoder assembles emitted PCM chunks into a container. Chunks are
// stored as raw PCM during capture; the container is only built at
// finalize time so restarts can append across encoder instances.
type encoder interface {
	MIMEType() string
	Finalize(chunks [][]byte, sampleRate, channels int) ([]byte, error)
}

// newEncoder returns an encoder for the given MIME type, or false if
// the type is not supported
func newEncoder(mimeType string) (encoder, bool) {
	switch mimeType {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return &wavEncoder{mimeType: mimeType}, true
	case "audio/pcm", "audio/l16":
		return &pcmEncoder{mimeType: mimeType}, true
	default:
		return nil, false
	}
}

// negotiateFormat picks the first supported MIME type from an ordered
// preference list
func negotiateFormat(preferred []string) (encoder, error) {
	for _, mt := range preferred {
		if enc, ok := newEncoder(mt); ok {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("no supported recording format in %v", preferred)
}

// wavEncoder wraps the concatenated PCM chunks in a WAV container
type wavEncoder struct {
	mimeType string
}

func (e *wavEncoder) MIMEType() string { return e.mimeType }

func (e *wavEncoder) Finalize(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	pcm := make([]byte, 0, total)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}

	numSamples := uint32(len(pcm) / 2 / channels)
	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, numSamples, uint16(channels), uint32(sampleRate), 16)
	if _, err := writer.Write(pcm); err != nil {
		return nil, fmt.Errorf("failed to write wav data: %w", err)
	}

	return buf.Bytes(), nil
}

// pcmEncoder emits the raw concatenated PCM with no container
type pcmEncoder struct {
	mimeType string
}

func (e *pcmEncoder) MIMEType() string { return e.mimeType }

func (e *pcmEncoder) Finalize(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
