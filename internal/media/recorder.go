package media

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"duocall/native/internal/webrtc"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// TrackStats summarises one received track.
type TrackStats struct {
	ID       string
	Kind     string
	Codec    string
	File     string
	Packets  uint64
	Bytes    uint64
	Started  time.Time
	Finished time.Time
}

// Recorder is the remote-media sink. Every attached track is drained; when a
// directory is configured, VP8 goes to IVF, Opus to Ogg and H264 to an
// Annex-B file.
type Recorder struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	stats  map[string]*TrackStats
	calls  int
	prefix string
	wg     sync.WaitGroup
}

func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:   dir,
		log:   logger.With("component", "recorder"),
		stats: make(map[string]*TrackStats),
	}
}

// Reset starts a new call: Stats forgets earlier tracks and later files get
// a fresh per-call prefix. Tracks still being read keep their own files.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prefix = fmt.Sprintf("call%d-%s-", r.calls, time.Now().Format("20060102-150405"))
	r.stats = make(map[string]*TrackStats)
}

// Attach starts reading track until it ends.
func (r *Recorder) Attach(track *pion.TrackRemote) {
	r.record(track.ID(), track.Kind().String(), track.Codec().MimeType, track.ReadRTP)
}

func (r *Recorder) record(id, kind, codec string, read func() (*rtp.Packet, interceptor.Attributes, error)) {
	st := &TrackStats{ID: id, Kind: kind, Codec: codec, Started: time.Now()}

	w, err := r.writerFor(st)
	if err != nil {
		r.log.Warn("recording disabled for track", "track", id, "err", err)
		st.File = ""
	}

	r.mu.Lock()
	r.stats[id] = st
	r.mu.Unlock()

	r.log.Info("remote track", "track", id, "kind", kind, "codec", codec, "file", st.File)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if w != nil {
				if err := w.Close(); err != nil {
					r.log.Warn("close recording", "track", id, "err", err)
				}
			}
			r.mu.Lock()
			st.Finished = time.Now()
			r.mu.Unlock()
		}()

		for {
			pkt, _, err := read()
			if err != nil {
				if err != io.EOF {
					r.log.Debug("track ended", "track", id, "err", err)
				}
				return
			}

			r.mu.Lock()
			st.Packets++
			st.Bytes += uint64(len(pkt.Payload))
			r.mu.Unlock()

			if w == nil {
				continue
			}
			if err := w.WriteRTP(pkt); err != nil {
				r.log.Warn("write recording", "track", id, "err", err)
				w.Close()
				w = nil
			}
		}
	}()
}

func (r *Recorder) writerFor(st *TrackStats) (media.Writer, error) {
	if r.dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prefix := r.prefix
	r.mu.Unlock()

	base := filepath.Join(r.dir, fmt.Sprintf("%s%s-%s", prefix, st.Kind, safeName(st.ID)))
	switch strings.ToLower(st.Codec) {
	case strings.ToLower(pion.MimeTypeVP8):
		st.File = base + ".ivf"
		w, err := ivfwriter.New(st.File)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.ToLower(pion.MimeTypeOpus):
		st.File = base + ".ogg"
		w, err := oggwriter.New(st.File, opusSampleRate, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.ToLower(pion.MimeTypeH264):
		st.File = base + ".h264"
		f, err := os.Create(st.File)
		if err != nil {
			return nil, err
		}
		return webrtc.NewAnnexBWriter(f), nil
	default:
		return nil, fmt.Errorf("no container for %s", st.Codec)
	}
}

// Stats returns a snapshot of every track seen so far, ordered by start time.
func (r *Recorder) Stats() []TrackStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TrackStats, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Wait blocks until every attached track has ended.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "track"
	}
	return s
}
