package remote

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Mmx233/Courier/client"
	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveID(t *testing.T) {
	records := []client.TransferRecord{
		{ID: "4f1c2a90-0000-0000-0000-000000000001"},
		{ID: "4f1c2a91-0000-0000-0000-000000000002"},
		{ID: "9abc"},
	}

	id, err := resolveID(records, "4f1c2a90")
	require.NoError(t, err)
	assert.Equal(t, records[0].ID, id)

	id, err = resolveID(records, "9abc")
	require.NoError(t, err)
	assert.Equal(t, "9abc", id)

	_, err = resolveID(records, "4f1c2a9")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = resolveID(records, "ffff")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{10 << 20, "10.0 MiB"},
		{3 << 30, "3.0 GiB"},
		{1 << 50, "1024.0 TiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.n))
	}
	assert.Equal(t, "-", percent(5, 0))
	assert.Equal(t, "50%", percent(5, 10))
}

func TestPrintTransfers(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printTransfers(&out, []client.TransferRecord{
		{ID: "4f1c2a90-0000", Direction: "download", Status: store.Transferring, Server: "home", RemotePath: "album", BytesTransferred: 512, TotalBytes: 1024},
		{ID: "77", Direction: "upload", Status: store.Failed, Server: "home", RemotePath: "notes", ErrorKind: "banned", Error: "terminated: user banned"},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "4f1c2a90 ")
	assert.Contains(t, lines[1], "512 B / 1.0 KiB (50%)")
	assert.Contains(t, lines[2], "banned: terminated: user banned")
}

func TestRetryHint(t *testing.T) {
	assert.Contains(t, retryHint("4f1c2a90", &transfer.Error{Kind: transfer.KindTimeout}), "transfers resume 4f1c2a90")
	assert.NotEmpty(t, retryHint("4f1c2a90", &transfer.Error{Kind: transfer.KindConnection}))
	assert.Empty(t, retryHint("4f1c2a90", transfer.RemoteError(protocol.ErrKindBanned, "banned")))
	assert.Empty(t, retryHint("4f1c2a90", transfer.RemoteError(protocol.ErrKindNotFound, "gone")))
}
