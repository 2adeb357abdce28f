package dvr

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/encoder"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/pkg/models"
)

type fakeFetcher struct {
	data map[string][]byte
}

func (f *fakeFetcher) FetchSegment(_ context.Context, url, _ string) ([]byte, error) {
	body, ok := f.data[url]
	if !ok {
		return nil, fmt.Errorf("segment not found: %s", url)
	}
	return body, nil
}

// encryptBatch encrypts plaintexts with each one's batch index as IV.
func encryptBatch(t *testing.T, key []byte, plaintexts [][]byte) [][]byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	out := make([][]byte, len(plaintexts))
	for i, plain := range plaintexts {
		padding := aes.BlockSize - len(plain)%aes.BlockSize
		padded := make([]byte, len(plain)+padding)
		copy(padded, plain)
		for j := len(plain); j < len(padded); j++ {
			padded[j] = byte(padding)
		}
		enc := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, hls.SequenceIV(i)).CryptBlocks(enc, padded)
		out[i] = enc
	}
	return out
}

func newTestSaver(t *testing.T, fetcher SegmentFetcher) *TrackSaver {
	t.Helper()
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)
	enc := encoder.NewEncoder(encoder.Config{}, log)
	return NewTrackSaver(fetcher, enc, t.TempDir(), t.TempDir(), nil, log)
}

func TestFetchAndDecryptPreservesBatchOrder(t *testing.T) {
	key := []byte("0123456789abcdef")
	plaintexts := [][]byte{
		[]byte("segment zero audio"),
		[]byte("segment one audio"),
		[]byte("segment two audio"),
	}
	encrypted := encryptBatch(t, key, plaintexts)

	fetcher := &fakeFetcher{data: map[string][]byte{
		"https://cdn.example.com/s0.aac": encrypted[0],
		"https://cdn.example.com/s1.aac": encrypted[1],
		"https://cdn.example.com/s2.aac": encrypted[2],
	}}
	saver := newTestSaver(t, fetcher)

	req := SaveRequest{
		ChannelID: "chan-1",
		Key:       key,
		Segments: []hls.Segment{
			{URL: "https://cdn.example.com/s0.aac"},
			{URL: "https://cdn.example.com/s1.aac"},
			{URL: "https://cdn.example.com/s2.aac"},
		},
	}

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	workDir := t.TempDir()
	concatPath, err := saver.fetchAndDecrypt(context.Background(), req, workDir, log)
	require.NoError(t, err)

	got, err := os.ReadFile(concatPath)
	require.NoError(t, err)
	assert.Equal(t, "segment zero audiosegment one audiosegment two audio", string(got))
}

func TestFetchAndDecryptSkipsMissingWithoutShifting(t *testing.T) {
	key := []byte("0123456789abcdef")
	plaintexts := [][]byte{
		[]byte("first"),
		[]byte("unfetchable"),
		[]byte("third"),
	}
	encrypted := encryptBatch(t, key, plaintexts)

	// Segment 1 is missing; segment 2 must still decrypt with IV index 2,
	// not slide down to index 1.
	fetcher := &fakeFetcher{data: map[string][]byte{
		"https://cdn.example.com/s0.aac": encrypted[0],
		"https://cdn.example.com/s2.aac": encrypted[2],
	}}
	saver := newTestSaver(t, fetcher)

	req := SaveRequest{
		ChannelID: "chan-1",
		Key:       key,
		Segments: []hls.Segment{
			{URL: "https://cdn.example.com/s0.aac"},
			{URL: "https://cdn.example.com/s1.aac"},
			{URL: "https://cdn.example.com/s2.aac"},
		},
	}

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	concatPath, err := saver.fetchAndDecrypt(context.Background(), req, t.TempDir(), log)
	require.NoError(t, err)

	got, err := os.ReadFile(concatPath)
	require.NoError(t, err)
	assert.Equal(t, "firstthird", string(got))
}

func TestFetchAndDecryptAllMissing(t *testing.T) {
	saver := newTestSaver(t, &fakeFetcher{data: map[string][]byte{}})

	req := SaveRequest{
		ChannelID: "chan-1",
		Key:       []byte("0123456789abcdef"),
		Segments:  []hls.Segment{{URL: "https://cdn.example.com/s0.aac"}},
	}

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	_, err = saver.fetchAndDecrypt(context.Background(), req, t.TempDir(), log)
	assert.Error(t, err)
}

func TestTrackPath(t *testing.T) {
	saver := newTestSaver(t, &fakeFetcher{})
	saver.outputDir = "/library"

	req := SaveRequest{
		ChannelName: "Test: Station",
		Track: models.Track{
			Artist:    "AC/DC",
			Title:     "Back In Black",
			StartedAt: time.Date(2026, 1, 15, 23, 30, 0, 0, time.UTC),
		},
	}

	assert.Equal(t, "/library/Test_ Station/2026-01-15/AC_DC - Back In Black.m4a", saver.trackPath(req))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"  padded  ", "padded"},
		{"normal name", "normal name"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in))
	}

	long := SanitizeFilename(strings.Repeat("x", 200))
	assert.Len(t, long, 100)
}
