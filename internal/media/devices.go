package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"duocall/native/internal/domain"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var (
	ErrDeviceNotFound   = errors.New("requested device not found")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	defaultFrameDuration = time.Second / 30
	opusSampleRate       = 48000
)

// source yields encoded samples from a media file.
type source interface {
	next() ([]byte, time.Duration, error)
	Close() error
}

type openFunc func(path string) (source, pion.RTPCodecCapability, error)

// Devices is a file-backed capture device. Configured files are played in
// a loop, paced like a live camera and microphone.
type Devices struct {
	VideoSource string
	AudioSource string
	Logger      *slog.Logger
}

// GetUserMedia opens the sources selected by c. A requested kind without a
// configured source fails with ErrDeviceNotFound; a source that cannot be
// opened or parsed fails with ErrPermissionDenied.
func (d *Devices) GetUserMedia(ctx context.Context, c domain.Constraints) (domain.LocalStream, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, cancel: cancel, log: logger.With("component", "media", "stream", id)}

	want := []struct {
		enabled bool
		kind    string
		path    string
	}{
		{c.Video, "video", d.VideoSource},
		{c.Audio, "audio", d.AudioSource},
	}
	for _, w := range want {
		if !w.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			s.Stop()
			return nil, err
		}
		if w.path == "" {
			s.Stop()
			return nil, fmt.Errorf("%s: %w", w.kind, ErrDeviceNotFound)
		}
		if err := s.add(streamCtx, w.kind, w.path); err != nil {
			s.Stop()
			return nil, err
		}
	}
	return s, nil
}

// Stream is a set of looping file-backed tracks.
type Stream struct {
	id     string
	tracks []pion.TrackLocal
	log    *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *Stream) ID() string                { return s.id }
func (s *Stream) Tracks() []pion.TrackLocal { return s.tracks }

// Stop ends every track pump and waits for them to exit.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.log.Debug("stream stopped")
	})
}

func (s *Stream) add(ctx context.Context, kind, path string) error {
	open, err := openerFor(kind, path)
	if err != nil {
		return err
	}
	src, capability, err := open(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", kind, path, ErrPermissionDenied, err)
	}

	track, err := pion.NewTrackLocalStaticSample(capability, kind, s.id)
	if err != nil {
		src.Close()
		return fmt.Errorf("create %s track: %w", kind, err)
	}
	s.tracks = append(s.tracks, track)

	s.log.Info("capturing", "kind", kind, "source", path, "codec", capability.MimeType)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(ctx, track, &loopingSource{path: path, open: open, src: src})
	}()
	return nil
}

func (s *Stream) pump(ctx context.Context, track *pion.TrackLocalStaticSample, src *loopingSource) {
	defer src.Close()

	deadline := time.Now()
	for {
		data, dur, err := src.next()
		if err != nil {
			s.log.Warn("source stopped", "track", track.ID(), "err", err)
			return
		}
		if err := track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Warn("write sample", "track", track.ID(), "err", err)
			return
		}

		deadline = deadline.Add(dur)
		wait := time.Until(deadline)
		if wait <= 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// loopingSource reopens its file at EOF.
type loopingSource struct {
	path string
	open openFunc
	src  source
}

func (l *loopingSource) next() ([]byte, time.Duration, error) {
	for attempt := 0; attempt < 2; attempt++ {
		data, dur, err := l.src.next()
		if err == nil {
			return data, dur, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, err
		}
		l.src.Close()
		if l.src, _, err = l.open(l.path); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%s: no samples", l.path)
}

func (l *loopingSource) Close() error {
	return l.src.Close()
}

func openerFor(kind, path string) (openFunc, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case kind == "video" && ext == ".ivf":
		return openIVF, nil
	case kind == "video" && (ext == ".h264" || ext == ".264"):
		return openH264, nil
	case kind == "audio" && (ext == ".ogg" || ext == ".opus"):
		return openOgg, nil
	default:
		return nil, fmt.Errorf("%s %s: %w: unsupported format %q", kind, path, ErrPermissionDenied, ext)
	}
}

type ivfSource struct {
	f        *os.File
	r        *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string) (source, pion.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pion.RTPCodecCapability{}, err
	}
	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, pion.RTPCodecCapability{}, fmt.Errorf("ivf header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = pion.MimeTypeVP8
	case "VP90":
		mime = pion.MimeTypeVP9
	case "AV01":
		mime = pion.MimeTypeAV1
	default:
		f.Close()
		return nil, pion.RTPCodecCapability{}, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	duration := defaultFrameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		duration = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	return &ivfSource{f: f, r: r, duration: duration}, pion.RTPCodecCapability{MimeType: mime}, nil
}

func (s *ivfSource) next() ([]byte, time.Duration, error) {
	frame, _, err := s.r.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return frame, s.duration, nil
}

func (s *ivfSource) Close() error { return s.f.Close() }

type h264Source struct {
	f *os.File
	r *h264reader.H264Reader
}

func openH264(path string) (source, pion.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pion.RTPCodecCapability{}, err
	}
	r, err := h264reader.NewReader(f)
	if err != nil {
		f.Close()
		return nil, pion.RTPCodecCapability{}, fmt.Errorf("h264 reader: %w", err)
	}
	return &h264Source{f: f, r: r}, pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, nil
}

// next returns one NAL unit. Parameter sets go out immediately, slices are
// paced at the default frame rate.
func (s *h264Source) next() ([]byte, time.Duration, error) {
	nal, err := s.r.NextNAL()
	if err != nil {
		return nil, 0, err
	}
	switch nal.UnitType {
	case h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS, h264reader.NalUnitTypeSEI, h264reader.NalUnitTypeAUD:
		return nal.Data, 0, nil
	default:
		return nal.Data, defaultFrameDuration, nil
	}
}

func (s *h264Source) Close() error { return s.f.Close() }

type oggSource struct {
	f           *os.File
	r           *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (source, pion.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pion.RTPCodecCapability{}, err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, pion.RTPCodecCapability{}, fmt.Errorf("ogg header: %w", err)
	}
	capability := pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2}
	return &oggSource{f: f, r: r}, capability, nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	page, header, err := s.r.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	var samples uint64
	if header.GranulePosition > s.lastGranule {
		samples = header.GranulePosition - s.lastGranule
	}
	s.lastGranule = header.GranulePosition
	return page, time.Duration(samples) * time.Second / opusSampleRate, nil
}

func (s *oggSource) Close() error { return s.f.Close() }
