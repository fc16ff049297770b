package mixer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgnsrekt/ambient/internal/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
)

// ErrUnsupportedFormat is returned for data in no recognised container.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Container is a recognised encoded audio container.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerFLAC    Container = "flac"
	ContainerOgg     Container = "ogg"
)

// Sniff identifies the container from its leading bytes.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ContainerWAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ContainerFLAC
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerOgg
	case bytes.HasPrefix(data, []byte("ID3")):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}

// Buffer is decoded audio resampled to the mixer's render format.
type Buffer struct {
	data        *beep.Buffer
	format      beep.Format
	srcRate     int
	srcChannels int
}

// Duration implements audio.Buffer.
func (b *Buffer) Duration() time.Duration {
	return b.format.SampleRate.D(b.data.Len())
}

// SampleRate implements audio.Buffer. It reports the rate of the source
// material, before resampling.
func (b *Buffer) SampleRate() int { return b.srcRate }

// Channels implements audio.Buffer.
func (b *Buffer) Channels() int { return b.srcChannels }

// Size implements audio.Buffer.
func (b *Buffer) Size() int64 {
	return int64(b.data.Len()) * 2 * 8
}

// Decode implements audio.Sink.
func (m *Mixer) Decode(data []byte) (audio.Buffer, error) {
	var (
		s   beep.Streamer
		f   beep.Format
		err error
	)

	switch c := Sniff(data); c {
	case ContainerWAV:
		s, f, err = decodeWAV(data)
	case ContainerMP3, ContainerFLAC, ContainerOgg:
		var sc beep.StreamSeekCloser
		sc, f, err = decodeCompressed(c, data)
		if err == nil {
			defer sc.Close()
			s = sc
		}
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}

	if f.SampleRate != m.format.SampleRate {
		s = beep.Resample(m.quality, f.SampleRate, m.format.SampleRate, s)
	}

	buf := beep.NewBuffer(m.format)
	buf.Append(s)
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("decode stream: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("decoded audio is empty")
	}

	return &Buffer{
		data:        buf,
		format:      m.format,
		srcRate:     int(f.SampleRate),
		srcChannels: f.NumChannels,
	}, nil
}

func decodeCompressed(c Container, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	rc := io.NopCloser(bytes.NewReader(data))
	switch c {
	case ContainerMP3:
		return mp3.Decode(rc)
	case ContainerFLAC:
		return flac.Decode(rc)
	default:
		return vorbis.Decode(rc)
	}
}

// decodeWAV reads PCM through go-audio, which handles 8/16/24/32-bit
// integer data, and normalises it to [-1, 1] stereo frames.
func decodeWAV(data []byte) (beep.Streamer, beep.Format, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, beep.Format{}, errors.New("invalid wav file")
	}

	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("read wav pcm: %w", err)
	}

	frames, err := framesFromPCM(pcm)
	if err != nil {
		return nil, beep.Format{}, err
	}

	f := beep.Format{
		SampleRate:  beep.SampleRate(pcm.Format.SampleRate),
		NumChannels: pcm.Format.NumChannels,
		Precision:   (pcm.SourceBitDepth + 7) / 8,
	}
	return &frameStreamer{frames: frames}, f, nil
}

func framesFromPCM(pcm *goaudio.IntBuffer) ([][2]float64, error) {
	if pcm.Format == nil || pcm.Format.NumChannels < 1 || pcm.Format.SampleRate <= 0 {
		return nil, errors.New("wav has no usable format")
	}
	depth := pcm.SourceBitDepth
	if depth < 8 || depth > 32 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", depth)
	}

	scale := float64(int64(1) << (depth - 1))
	channels := pcm.Format.NumChannels
	frames := make([][2]float64, len(pcm.Data)/channels)
	for i := range frames {
		left := float64(pcm.Data[i*channels]) / scale
		right := left
		if channels > 1 {
			right = float64(pcm.Data[i*channels+1]) / scale
		}
		frames[i] = [2]float64{left, right}
	}
	return frames, nil
}

// frameStreamer plays a slice of frames once.
type frameStreamer struct {
	frames [][2]float64
	pos    int
}

func (s *frameStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.frames) {
		return 0, false
	}
	n := copy(samples, s.frames[s.pos:])
	s.pos += n
	return n, true
}

func (s *frameStreamer) Err() error { return nil }
