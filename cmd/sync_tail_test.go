package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/relaycore/ledgersync/internal/syncclient"
)

func TestTruncateID(t *testing.T) {
	tests := []struct {
		id   string
		max  int
		want string
	}{
		{"short", 16, "short"},
		{"exactly16chars!!", 16, "exactly16chars!!"},
		{"this-is-a-very-long-id-string", 16, "this-is-a-ver..."},
		{"abc", 10, "abc"},
		{"abcdefghij", 10, "abcdefghij"},
		{"abcdefghijk", 10, "abcdefg..."},
		{"", 10, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.id, tt.max), func(t *testing.T) {
			got := truncateID(tt.id, tt.max)
			if got != tt.want {
				t.Errorf("truncateID(%q, %d) = %q, want %q", tt.id, tt.max, got, tt.want)
			}
			if len(got) > tt.max {
				t.Errorf("truncateID(%q, %d) length %d exceeds max %d", tt.id, tt.max, len(got), tt.max)
			}
		})
	}
}

func TestPrintBlock(t *testing.T) {
	tests := []struct {
		name     string
		block    syncclient.Block
		contains []string
	}{
		{
			name: "basic block",
			block: syncclient.Block{
				Height:   42,
				PrevHash: "aaa",
				Hash:     "bbbbbbbbbbbbbbbbbbbb",
				SignerID: "device-abc123",
				Ts:       time.Date(2025, 1, 15, 10, 30, 45, 0, time.UTC).UnixMilli(),
			},
			contains: []string{"#42", "10:30:45"},
		},
		{
			name: "short hash and signer untruncated",
			block: syncclient.Block{
				Height:   1,
				PrevHash: "",
				Hash:     "short",
				SignerID: "dev1",
				Ts:       time.Date(2025, 3, 20, 14, 5, 0, 0, time.UTC).UnixMilli(),
			},
			contains: []string{"#1", "14:05:00", "short", "dev1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := os.Stdout
			r, w, _ := os.Pipe()
			os.Stdout = w

			printBlock(tt.block)

			w.Close()
			os.Stdout = old

			var buf bytes.Buffer
			io.Copy(&buf, r)
			got := buf.String()

			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("output missing %q\ngot: %s", s, got)
				}
			}
		})
	}
}
