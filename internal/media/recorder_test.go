package media

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packetReader(packets ...*rtp.Packet) func() (*rtp.Packet, interceptor.Attributes, error) {
	return func() (*rtp.Packet, interceptor.Attributes, error) {
		if len(packets) == 0 {
			return nil, nil, io.EOF
		}
		p := packets[0]
		packets = packets[1:]
		return p, nil, nil
	}
}

func TestRecorderCountsPackets(t *testing.T) {
	r := NewRecorder("", nil)
	r.record("v1", "video", pion.MimeTypeVP8, packetReader(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1, 2, 3}},
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{4, 5}},
	))
	r.Wait()

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "v1", stats[0].ID)
	assert.Equal(t, "video", stats[0].Kind)
	assert.Equal(t, uint64(2), stats[0].Packets)
	assert.Equal(t, uint64(5), stats[0].Bytes)
	assert.Empty(t, stats[0].File)
	assert.False(t, stats[0].Finished.IsZero())
}

func TestRecorderWritesContainers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRecorder(dir, nil)

	r.record("{video}", "video", pion.MimeTypeVP8, packetReader())
	r.record("audio 1", "audio", pion.MimeTypeOpus, packetReader())
	r.record("h264", "video", pion.MimeTypeH264, packetReader(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x65, 0x88}},
	))
	r.record("g722", "audio", pion.MimeTypeG722, packetReader(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x01}},
	))
	r.Wait()

	files := map[string]string{}
	for _, st := range r.Stats() {
		files[st.ID] = st.File
	}
	assert.Equal(t, filepath.Join(dir, "video-_video_.ivf"), files["{video}"])
	assert.Equal(t, filepath.Join(dir, "audio-audio_1.ogg"), files["audio 1"])
	assert.Equal(t, filepath.Join(dir, "video-h264.h264"), files["h264"])
	assert.Empty(t, files["g722"])

	for _, id := range []string{"{video}", "audio 1"} {
		info, err := os.Stat(files[id])
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}

	data, err := os.ReadFile(files["h264"])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88}, data)
}

func TestRecorderResetSeparatesCalls(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil)

	r.Reset()
	r.record("video0", "video", pion.MimeTypeH264, packetReader(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x65, 0x01}},
	))
	r.Wait()
	first := r.Stats()
	require.Len(t, first, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(first[0].File), "call1-"))

	r.Reset()
	assert.Empty(t, r.Stats())

	r.record("video0", "video", pion.MimeTypeH264, packetReader(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x65, 0x02}},
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{0x65, 0x03}},
	))
	r.Wait()
	second := r.Stats()
	require.Len(t, second, 1)
	assert.Equal(t, uint64(2), second[0].Packets)
	assert.True(t, strings.HasPrefix(filepath.Base(second[0].File), "call2-"))
	assert.NotEqual(t, first[0].File, second[0].File)

	data, err := os.ReadFile(first[0].File)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}, data)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "abc-1.2_x", safeName("abc-1.2 x"))
	assert.Equal(t, "track", safeName(""))
}
