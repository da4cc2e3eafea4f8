package images

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInit(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
		wantErr error
	}{
		{
			name:    "executable init",
			entries: bootableEntries,
		},
		{
			name:    "dot slash prefix",
			entries: []tarEntry{{name: "./init", mode: 0755, body: "x"}},
		},
		{
			name:    "symlink init",
			entries: []tarEntry{{name: "init", typ: tar.TypeSymlink, link: "/sbin/init"}},
		},
		{
			name:    "not executable",
			entries: []tarEntry{{name: "init", mode: 0644, body: "x"}},
			wantErr: ErrMissingInitEntrypoint,
		},
		{
			name:    "nested init only",
			entries: []tarEntry{{name: "sbin/init", mode: 0755, body: "x"}},
			wantErr: ErrMissingInitEntrypoint,
		},
		{
			name:    "directory named init",
			entries: []tarEntry{{name: "init/", typ: tar.TypeDir, mode: 0755}},
			wantErr: ErrMissingInitEntrypoint,
		},
		{
			name:    "empty archive",
			entries: nil,
			wantErr: ErrMissingInitEntrypoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInit(bytes.NewReader(buildTar(t, tt.entries)))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyInitMissingArchive(t *testing.T) {
	err := VerifyInit(filepath.Join(t.TempDir(), "nope.tar"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingInitEntrypoint)
}
