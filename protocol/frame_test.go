package protocol

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedID() MessageID {
	var id MessageID
	for i := range id {
		id[i] = byte(i)
	}
	return id
}

func generatePayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

func TestWriteFrame_GoldenVectors(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		payload  []byte
		want     string
	}{
		{
			name:     "handshake",
			typeName: TypeHandshake,
			payload:  []byte(`{"version":"1.0"}`),
			want:     "NX9|Handshake|000102030405060708090a0b0c0d0e0f|17|{\"version\":\"1.0\"}\n",
		},
		{
			name:     "empty payload",
			typeName: TypePing,
			payload:  nil,
			want:     "NX4|Ping|000102030405060708090a0b0c0d0e0f|0|\n",
		},
		{
			name:     "two digit type length",
			typeName: TypeTransferComplete,
			payload:  []byte(`{"success":true}`),
			want:     "NX16|TransferComplete|000102030405060708090a0b0c0d0e0f|16|{\"success\":true}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, fixedID(), tt.typeName, tt.payload))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriteMessage_GoldenVector(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, fixedID(), Handshake{Version: "1.0"}))
	assert.Equal(t, "NX9|Handshake|000102030405060708090a0b0c0d0e0f|17|{\"version\":\"1.0\"}\n", buf.String())
}

func TestWriteStreaming_MatchesWriteFrame(t *testing.T) {
	payload := generatePayload(ChunkSize + 17)

	var framed, streamed bytes.Buffer
	require.NoError(t, WriteFrame(&framed, fixedID(), TypeFileData, payload))
	require.NoError(t, WriteStreaming(&streamed, fixedID(), TypeFileData, bytes.NewReader(payload), uint64(len(payload))))

	assert.Equal(t, framed.Bytes(), streamed.Bytes())
}

func TestRoundTrip_ChunkBoundaries(t *testing.T) {
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, readBufferSize - 1, readBufferSize, readBufferSize + 1}

	for _, size := range sizes {
		payload := generatePayload(size)
		id := NewMessageID()

		var buf bytes.Buffer
		require.NoError(t, WriteStreaming(&buf, id, TypeFileData, bytes.NewReader(payload), uint64(size)))

		r := NewReader(&buf)
		h, body, err := r.Next()
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, TypeFileData, h.Type)
		assert.Equal(t, id, h.ID)
		assert.Equal(t, uint64(size), h.Length)

		got, err := io.ReadAll(body)
		require.NoError(t, err)
		require.NoError(t, body.Finish())
		assert.True(t, bytes.Equal(payload, got), "payload mismatch at size %d", size)
	}
}

func TestReadFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	first, second := NewMessageID(), NewMessageID()
	require.NoError(t, WriteMessage(&buf, first, Login{Username: "alice", Password: "secret"}))
	require.NoError(t, WriteMessage(&buf, second, Ping{}))

	r := NewReader(&buf)
	f1, err := r.ReadFrame(MaxControlPayload)
	require.NoError(t, err)
	assert.Equal(t, TypeLogin, f1.Type)
	assert.Equal(t, first, f1.ID)

	var login Login
	require.NoError(t, DecodeMessage(f1.Payload, &login))
	assert.Equal(t, "alice", login.Username)

	f2, err := r.ReadFrame(MaxControlPayload)
	require.NoError(t, err)
	assert.Equal(t, TypePing, f2.Type)
	assert.Equal(t, second, f2.ID)

	_, err = r.ReadFrame(MaxControlPayload)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestWriteStreaming_ShortSourceWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	err := WriteStreaming(&buf, fixedID(), TypeFileData, bytes.NewReader(generatePayload(100)), 101)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortSource)
	assert.Zero(t, buf.Len(), "nothing may reach the wire for a short sized source")
}

func TestWriteStreaming_ShortFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, generatePayload(1000), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(500, io.SeekStart)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteStreaming(&buf, fixedID(), TypeFileData, f, 501)
	assert.ErrorIs(t, err, ErrShortSource)
	assert.Zero(t, buf.Len())
}

// onlyReader hides Len so the length cannot be checked up front.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestWriteStreaming_UnsizedShortSourceNeverTerminates(t *testing.T) {
	payload := generatePayload(300)
	var buf bytes.Buffer
	err := WriteStreaming(&buf, fixedID(), TypeFileData, onlyReader{bytes.NewReader(payload)}, 400)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortSource)
	assert.NotEqual(t, byte(Terminator), buf.Bytes()[buf.Len()-1], "a short frame must never be terminated")

	_, body, err := NewReader(&buf).Next()
	require.NoError(t, err)
	_, err = io.ReadAll(body)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// vetoingReader refuses the terminator once its payload is out.
type vetoingReader struct {
	onlyReader
	err error
}

func (v vetoingReader) Seal() error { return v.err }

func TestWriteStreaming_SealDecidesTermination(t *testing.T) {
	payload := generatePayload(300)
	var full bytes.Buffer
	require.NoError(t, WriteStreaming(&full, fixedID(), TypeFileData, onlyReader{bytes.NewReader(payload)}, 300))

	var sealed bytes.Buffer
	require.NoError(t, WriteStreaming(&sealed, fixedID(), TypeFileData, vetoingReader{onlyReader: onlyReader{bytes.NewReader(payload)}}, 300))
	assert.Equal(t, full.Bytes(), sealed.Bytes())

	stop := errors.New("stopped")
	var vetoed bytes.Buffer
	err := WriteStreaming(&vetoed, fixedID(), TypeFileData, vetoingReader{onlyReader: onlyReader{bytes.NewReader(payload)}, err: stop}, 300)
	require.ErrorIs(t, err, stop)
	assert.Equal(t, full.Bytes()[:full.Len()-1], vetoed.Bytes(), "everything but the terminator")
}

func TestFinish_CorruptTerminator(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fixedID(), TypeFileData, generatePayload(64)))
	raw := buf.Bytes()
	raw[len(raw)-1] = 'X'

	r := NewReader(bytes.NewReader(raw))
	_, body, err := r.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(body)
	require.NoError(t, err)

	err = body.Finish()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingTerminator)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingTerminator, kind)
	assert.NotErrorIs(t, err, ErrConnectionClosed)
}

func TestFinish_TerminatorAbsent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fixedID(), TypeFileData, generatePayload(8)))
	raw := buf.Bytes()[:buf.Len()-1]

	_, err := NewReader(bytes.NewReader(raw)).ReadFrame(MaxControlPayload)
	assert.ErrorIs(t, err, ErrMissingTerminator)
}

func TestReadFrame_MalformedHeaders(t *testing.T) {
	id := fixedID().String()
	tests := []struct {
		name string
		raw  string
	}{
		{"bad magic", "XX4|Ping|" + id + "|0|\n"},
		{"non digit type length", "NXa|Ping|" + id + "|0|\n"},
		{"zero type length", "NX0||" + id + "|0|\n"},
		{"type length too large", "NX99|Ping|" + id + "|0|\n"},
		{"type length mismatch", "NX3|Ping|" + id + "|0|\n"},
		{"bad type character", "NX4|Pi-g|" + id + "|0|\n"},
		{"short message id", "NX4|Ping|abc|0|\n"},
		{"uppercase message id", "NX4|Ping|" + strings.ToUpper(id) + "|0|\n"},
		{"empty payload length", "NX4|Ping|" + id + "||\n"},
		{"leading zero payload length", "NX4|Ping|" + id + "|01|x\n"},
		{"payload length overflow", "NX4|Ping|" + id + "|99999999999999999999|\n"},
		{"payload length too many digits", "NX4|Ping|" + id + "|123456789012345678901|\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.raw)).ReadFrame(MaxControlPayload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestReadFrame_PayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fixedID(), TypeFileData, generatePayload(33)))

	_, err := NewReader(&buf).ReadFrame(32)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrame_TruncatedHeaderIsConnectionClosed(t *testing.T) {
	_, err := NewReader(strings.NewReader("NX4|Pi")).ReadFrame(MaxControlPayload)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestNext_RequiresDrainedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fixedID(), TypeFileData, generatePayload(10)))
	require.NoError(t, WriteFrame(&buf, fixedID(), TypePing, nil))

	r := NewReader(&buf)
	_, body, err := r.Next()
	require.NoError(t, err)

	_, _, err = r.Next()
	require.Error(t, err)

	require.NoError(t, body.Discard())
	h, _, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypePing, h.Type)
}

func TestStreamWriter_Overflow(t *testing.T) {
	var buf bytes.Buffer
	sw, err := BeginStream(&buf, fixedID(), TypeFileData, 4)
	require.NoError(t, err)

	n, err := sw.Write([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.True(t, errors.Is(err, ErrPayloadOverflow))
	require.NoError(t, sw.Close())

	f, err := NewReader(&buf).ReadFrame(MaxControlPayload)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(f.Payload))
}

func TestWriter_TryWriteMessageWhileStreaming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	sw, err := w.BeginStream(fixedID(), TypeFileData, 2)
	require.NoError(t, err)

	wrote, err := w.TryWriteMessage(fixedID(), ErrorMsg{Message: "busy"})
	require.NoError(t, err)
	assert.False(t, wrote, "writer is held for the whole streamed frame")

	_, err = sw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	wrote, err = w.TryWriteMessage(fixedID(), ErrorMsg{Message: "free"})
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestMessageID_ParseRoundTrip(t *testing.T) {
	id := NewMessageID()
	parsed, err := ParseMessageID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), MessageIDLength)
	assert.NotEqual(t, id, NewMessageID())
	assert.False(t, id.IsZero())
}

func TestIsKnownType(t *testing.T) {
	assert.True(t, IsKnownType(TypeFileHashing))
	assert.True(t, IsKnownType(TypeFileData))
	assert.False(t, IsKnownType("ChatSend"))
}
